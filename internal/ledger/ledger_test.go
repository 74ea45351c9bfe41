package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vlab/internal/datastore"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/repository"
	"github.com/jbweber/homelab/vlab/internal/testutil"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	return New(db, zerolog.Nop())
}

// assertInvariant checks that a user's active VLAN, when set, is one of their VLANs
func assertInvariant(t *testing.T, l *Ledger, userID string) {
	t.Helper()
	b, err := l.Binding(context.Background(), userID)
	require.NoError(t, err)
	if b.ActiveVlan != nil {
		assert.Contains(t, b.Vlans, *b.ActiveVlan)
	}
}

func TestRecord_CommitsWhenExternalSucceeds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	called := false
	err := l.Record(ctx, domain.Vlan{ID: 42, LabID: "lab", OwnerID: "u1", NetworkID: "net", CIDR: "10.1.2.144/28"},
		func(ctx context.Context) error {
			called = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, called)

	v, err := l.Lookup(ctx, "u1", "lab")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.ID)

	b, err := l.Binding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.IsActive(42))
	assertInvariant(t, l, "u1")
}

func TestRecord_RollsBackWhenExternalFails(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	boom := errors.New("router unreachable")
	err := l.Record(ctx, domain.Vlan{ID: 42, LabID: "lab", OwnerID: "u1", CIDR: "10.1.2.144/28"},
		func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = l.Lookup(ctx, "u1", "lab")
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := l.Binding(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, b.ActiveVlan)
	assert.Empty(t, b.Vlans)
}

func TestRecord_SecondVlanForSameLabFails(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, domain.Vlan{ID: 1, LabID: "lab", OwnerID: "u1", CIDR: "10.1.0.0/28"}, nil))

	external := false
	err := l.Record(ctx, domain.Vlan{ID: 2, LabID: "lab", OwnerID: "u1", CIDR: "10.1.0.16/28"},
		func(ctx context.Context) error {
			external = true
			return nil
		})
	assert.Error(t, err)
	assert.False(t, external)
}

func TestRecord_ExternalRunsWithoutHoldingTheDatabase(t *testing.T) {
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	l := New(ds.DB, zerolog.Nop())
	ctx := context.Background()

	// A second user's provisioning and a cleanup record must not wait for the
	// first user's router steps
	err = l.Record(ctx, domain.Vlan{ID: 1, LabID: "lab", OwnerID: "u1", NetworkID: "net-1", CIDR: "10.1.0.0/28"},
		func(ctx context.Context) error {
			start := time.Now()
			if err := l.Record(ctx, domain.Vlan{ID: 2, LabID: "lab", OwnerID: "u2", NetworkID: "net-2", CIDR: "10.1.0.16/28"}, nil); err != nil {
				return err
			}
			if _, err := l.RecordCleanup(ctx, domain.Cleanup{Kind: domain.CleanupNetwork, ResourceID: "net-x", Step: "delete_network"}); err != nil {
				return err
			}
			assert.Less(t, time.Since(start), time.Second)
			return nil
		})
	require.NoError(t, err)

	for _, user := range []string{"u1", "u2"} {
		b, err := l.Binding(ctx, user)
		require.NoError(t, err)
		assert.NotNil(t, b.ActiveVlan)
		assertInvariant(t, l, user)
	}
}

func TestRecord_ConflictingVlanIsRejectedBeforeExternal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, domain.Vlan{ID: 7, LabID: "lab", OwnerID: "u1", CIDR: "10.1.0.96/28"}, nil))

	external := false
	err := l.Record(ctx, domain.Vlan{ID: 7, LabID: "lab", OwnerID: "u2", CIDR: "10.1.0.96/28"},
		func(ctx context.Context) error {
			external = true
			return nil
		})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.False(t, external)

	err = l.Record(ctx, domain.Vlan{ID: 8, LabID: "lab", OwnerID: "u2"}, func(ctx context.Context) error {
		external = true
		return nil
	})
	assert.ErrorIs(t, err, repository.ErrInvalidEntity)
	assert.False(t, external)
}

func TestActivate_SwitchesBetweenLabs(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, domain.Vlan{ID: 1, LabID: "lab-a", OwnerID: "u1", CIDR: "10.1.0.0/28"}, nil))
	require.NoError(t, l.Record(ctx, domain.Vlan{ID: 2, LabID: "lab-b", OwnerID: "u1", CIDR: "10.1.0.16/28"}, nil))

	b, err := l.Binding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.IsActive(2))

	require.NoError(t, l.Activate(ctx, "u1", 1, nil))
	b, err = l.Binding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.IsActive(1))

	// A failed external step leaves the old binding
	err = l.Activate(ctx, "u1", 2, func(ctx context.Context) error { return errors.New("bind failed") })
	assert.Error(t, err)
	b, err = l.Binding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.IsActive(1))

	// VLANs outside the user's set are refused before the router is touched
	external := false
	err = l.Activate(ctx, "u1", 3, func(ctx context.Context) error {
		external = true
		return nil
	})
	assert.ErrorIs(t, err, repository.ErrInvalidEntity)
	assert.False(t, external)
	assertInvariant(t, l, "u1")
}

func TestRemove(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, domain.Vlan{ID: 1, LabID: "lab-a", OwnerID: "u1", CIDR: "10.1.0.0/28"}, nil))
	require.NoError(t, l.Record(ctx, domain.Vlan{ID: 2, LabID: "lab-b", OwnerID: "u1", CIDR: "10.1.0.16/28"}, nil))

	removal, err := l.Remove(ctx, "u1", "lab-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removal.Vlan.ID)
	assert.False(t, removal.WasActive)

	removal, err = l.Remove(ctx, "u1", "lab-b")
	require.NoError(t, err)
	assert.True(t, removal.WasActive)

	b, err := l.Binding(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, b.ActiveVlan)
	assert.Empty(t, b.Vlans)

	_, err = l.Remove(ctx, "u1", "lab-b")
	assert.ErrorIs(t, err, ErrNotFound)

	vlans, err := l.Vlans(ctx)
	require.NoError(t, err)
	assert.Empty(t, vlans)
}

func TestCleanups(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	c, err := l.RecordCleanup(ctx, domain.Cleanup{Kind: domain.CleanupNetwork, ResourceID: "net-9", Step: "delete_network"})
	require.NoError(t, err)

	pending, err := l.PendingCleanups(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, l.ResolveCleanup(ctx, c.ID))
	pending, err = l.PendingCleanups(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBinding_UnknownUser(t *testing.T) {
	l := newTestLedger(t)
	b, err := l.Binding(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", b.UserID)
	assert.Nil(t, b.ActiveVlan)
}
