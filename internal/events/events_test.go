package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	kinds      []string
	published  []published
	declareErr error
	closed     bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = append(c.declared, name)
	c.kinds = append(c.kinds, kind)
	return c.declareErr
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewAMQPPublisher(ch, "vlab.events")
	require.NoError(t, err)
	assert.Equal(t, []string{"vlab.events"}, ch.declared)
	assert.Equal(t, []string{"topic"}, ch.kinds)

	err = p.Publish(context.Background(), Event{Type: NetworkProvisioned, OpID: "op-1", UserID: "u1", LabID: "lab-1", VlanID: 69})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "vlab.events", got.exchange)
	assert.Equal(t, NetworkProvisioned, got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "op-1", got.msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, int64(69), decoded.VlanID)
	assert.Equal(t, "lab-1", decoded.LabID)
	assert.False(t, decoded.Timestamp.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestNewAMQPPublisher_DeclareFails(t *testing.T) {
	_, err := NewAMQPPublisher(&fakeChannel{declareErr: errors.New("access refused")}, "vlab.events")
	assert.Error(t, err)
}

func TestRecorderAndNop(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), Event{Type: LabCreated, Timestamp: time.Now()}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: LabDeleted}))
	assert.Equal(t, []string{LabCreated, LabDeleted}, r.Types())

	assert.NoError(t, Nop{}.Publish(context.Background(), Event{Type: LabCreated}))
	assert.NoError(t, NewLogPublisher(zerolog.Nop()).Publish(context.Background(), Event{Type: LabCreated}))
}
