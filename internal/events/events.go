// Package events publishes lifecycle events for other services to consume.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types
const (
	InstanceCreated      = "instance.created"
	InstanceStateChanged = "instance.state_changed"
	InstanceDeleted      = "instance.deleted"
	NetworkProvisioned   = "network.provisioned"
	NetworkReleased      = "network.released"
	CleanupRecorded      = "cleanup.recorded"
	LabCreated           = "lab.created"
	LabDeleted           = "lab.deleted"
	LabLaunched          = "lab.launched"
)

// Event is one lifecycle fact. The type doubles as the routing key.
type Event struct {
	Type       string            `json:"type"`
	OpID       string            `json:"op_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	LabID      string            `json:"lab_id,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	VlanID     int64             `json:"vlan_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher sends events somewhere
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to a logger
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs events at debug level
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Debug().
		Str("event", e.Type).
		Str("op_id", e.OpID).
		Str("user_id", e.UserID).
		Str("lab_id", e.LabID).
		Str("instance_id", e.InstanceID).
		Int64("vlan_id", e.VlanID).
		Msg("event")
	return nil
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

// Types returns the types of the recorded events in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}
