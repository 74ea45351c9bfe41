package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/events"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/network"
	"github.com/jbweber/homelab/vlab/internal/router"
)

// assertLedgerConsistent checks that a user's VLAN set matches their rows and that
// the active VLAN is one of them
func assertLedgerConsistent(t *testing.T, h *harness, userID string) {
	t.Helper()
	ctx := context.Background()

	b, err := h.ledger.Binding(ctx, userID)
	require.NoError(t, err)
	rows, err := h.ledger.VlansOf(ctx, userID)
	require.NoError(t, err)

	ids := make([]int64, 0, len(rows))
	for _, v := range rows {
		ids = append(ids, v.ID)
	}
	assert.ElementsMatch(t, ids, b.Vlans)
	if b.ActiveVlan != nil {
		assert.Contains(t, b.Vlans, *b.ActiveVlan)
	}
}

func TestEnsureNetwork_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)
	second, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.NetworkID, second.NetworkID)
	assert.Equal(t, "10.1.0.0/28", first.CIDR)
	assert.Equal(t, 1, count(h.net.Calls(), "CreateNetwork"))
	assert.Equal(t, 1, count(h.router.Calls(), "CreateVlanInterface"))
	assert.Equal(t, 1, count(h.router.Calls(), "BindUser"))
	assertLedgerConsistent(t, h, alice.ID)
}

func TestEnsureNetwork_SeparateLabsGetSeparateVlans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)
	v2, err := h.manager.EnsureNetwork(ctx, alice, "lab-2")
	require.NoError(t, err)
	v3, err := h.manager.EnsureNetwork(ctx, bob, "lab-1")
	require.NoError(t, err)

	assert.NotEqual(t, v1.ID, v2.ID)
	assert.NotEqual(t, v1.ID, v3.ID)
	bound, _ := h.router.Binding(alice.Email)
	assert.Equal(t, v2.ID, bound)

	uv, err := h.manager.UserVlans(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, uv.Vlans, 2)
	assert.True(t, uv.Binding.IsActive(v2.ID))
	assertLedgerConsistent(t, h, alice.ID)
	assertLedgerConsistent(t, h, bob.ID)
}

func TestEnsureNetwork_RouterFailureCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.Fail("BindUser", &router.CommandError{Op: "bind_user", Step: "add_secret", Err: errors.New("connection reset")})

	_, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	var oe *OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "router_add_secret", oe.Step)
	assert.ErrorIs(t, err, router.ErrCommandFailed)

	_, err = h.ledger.Lookup(ctx, alice.ID, "lab-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Empty(t, h.net.Networks)
	assert.Empty(t, h.router.Interfaces)
	assert.Equal(t, 1, count(h.router.Calls(), "DeleteVlanInterface"))

	pending, err := h.ledger.PendingCleanups(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnsureNetwork_FailedCompensationIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.router.Fail("BindUser", errors.New("bind failed"))
	h.router.Fail("DeleteVlanInterface", errors.New("delete failed"))

	_, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	var oe *OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "router", oe.Step)

	pending, err := h.ledger.PendingCleanups(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.CleanupRouterVlan, pending[0].Kind)
	assert.Equal(t, "1", pending[0].ResourceID)
	assert.Equal(t, alice.ID, pending[0].UserID)
	assert.Contains(t, h.events.Types(), events.CleanupRecorded)
	assert.Empty(t, h.net.Networks)
}

func TestEnsureNetwork_CommitFailureRestoresPriorBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)

	// Another user's row takes the new VLAN id while the router is being configured,
	// so alice's commit fails after her binding moved
	h.router.OnBind = func(email string, vlanID int64) {
		if email != alice.Email || vlanID == v1.ID {
			return
		}
		require.NoError(t, h.ledger.Record(ctx, domain.Vlan{ID: vlanID, LabID: "lab-9", OwnerID: bob.ID, CIDR: "10.1.0.16/28"}, nil))
	}

	_, err = h.manager.EnsureNetwork(ctx, alice, "lab-2")
	var oe *OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "ledger_commit", oe.Step)

	bound, ok := h.router.Binding(alice.Email)
	require.True(t, ok)
	assert.Equal(t, v1.ID, bound)

	b, err := h.ledger.Binding(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, b.IsActive(v1.ID))
	assertLedgerConsistent(t, h, alice.ID)
	assert.Len(t, h.net.Networks, 1)
}

func TestEnsureNetwork_ActivateCommitFailureRestoresBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)
	v2, err := h.manager.EnsureNetwork(ctx, alice, "lab-2")
	require.NoError(t, err)

	// lab-1's row disappears while the router rebinds, so the activation cannot commit
	h.router.OnBind = func(email string, vlanID int64) {
		if vlanID == v1.ID {
			_, err := h.ledger.Remove(ctx, alice.ID, "lab-1")
			require.NoError(t, err)
		}
	}

	_, err = h.manager.EnsureNetwork(ctx, alice, "lab-1")
	var oe *OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "ledger_commit", oe.Step)

	bound, ok := h.router.Binding(alice.Email)
	require.True(t, ok)
	assert.Equal(t, v2.ID, bound)
	assertLedgerConsistent(t, h, alice.ID)
}

func TestEnsureNetwork_QuotaExhausted(t *testing.T) {
	h := newHarness(t)
	h.net.Quotas[domain.QuotaNetwork] = domain.QuotaUsage{Limit: 0}

	_, err := h.manager.EnsureNetwork(context.Background(), alice, "lab-1")
	assert.ErrorIs(t, err, cloud.ErrQuotaExceeded)
	assert.Zero(t, count(h.net.Calls(), "CreateNetwork"))
	assert.Empty(t, h.router.Calls())
}

func TestReleaseNetwork_UnbindsOnlyActiveVlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)
	v2, err := h.manager.EnsureNetwork(ctx, alice, "lab-2")
	require.NoError(t, err)

	require.NoError(t, h.manager.ReleaseNetwork(ctx, alice, "lab-1"))
	assert.Zero(t, count(h.router.Calls(), "UnbindUser"))
	assert.False(t, h.router.HasInterface(v1.ID))
	bound, ok := h.router.Binding(alice.Email)
	require.True(t, ok)
	assert.Equal(t, v2.ID, bound)
	assertLedgerConsistent(t, h, alice.ID)

	require.NoError(t, h.manager.ReleaseNetwork(ctx, alice, "lab-2"))
	assert.Equal(t, 1, count(h.router.Calls(), "UnbindUser"))
	_, ok = h.router.Binding(alice.Email)
	assert.False(t, ok)

	b, err := h.ledger.Binding(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, b.ActiveVlan)
	assert.Empty(t, b.Vlans)
	assert.Empty(t, h.net.Networks)
}

func TestReleaseNetwork_FailuresBecomeCleanups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.manager.EnsureNetwork(ctx, alice, "lab-1")
	require.NoError(t, err)
	h.router.Fail("DeleteVlanInterface", errors.New("router unreachable"))
	h.net.Fail("DeleteNetwork", cloud.ErrTransient)

	require.NoError(t, h.manager.ReleaseNetwork(ctx, alice, "lab-1"))

	_, err = h.ledger.Lookup(ctx, alice.ID, "lab-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	pending, err := h.ledger.PendingCleanups(ctx)
	require.NoError(t, err)
	kinds := map[domain.CleanupKind]string{}
	for _, c := range pending {
		kinds[c.Kind] = c.ResourceID
	}
	assert.Equal(t, map[domain.CleanupKind]string{
		domain.CleanupRouterVlan: "1",
		domain.CleanupNetwork:    v.NetworkID,
	}, kinds)
	assert.Contains(t, h.events.Types(), events.NetworkReleased)
}

func TestReleaseNetwork_UnrecordedNetwork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.net.CreateNetwork(ctx, domain.NetworkSpec{Name: network.NetworkName(alice.Email, "lab-1"), NetworkType: "vlan"})
	require.NoError(t, err)

	require.NoError(t, h.manager.ReleaseNetwork(ctx, alice, "lab-1"))
	assert.Empty(t, h.net.Networks)
	assert.Empty(t, h.router.Calls())

	// nothing left to release
	require.NoError(t, h.manager.ReleaseNetwork(ctx, alice, "lab-1"))
}

func TestLaunchLab_ThenDeleteReleasesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.manager.LaunchLab(ctx, alice.ID, "lab-1")
	require.NoError(t, err)
	require.Len(t, report.Created, 3)
	assert.Empty(t, report.Failed)
	assert.Len(t, h.net.Networks, 1)
	assert.Equal(t, 1, count(h.router.Calls(), "CreateVlanInterface"))
	assert.Equal(t, events.LabLaunched, h.events.Types()[len(h.events.Types())-1])

	// launching again fills no deficit
	again, err := h.manager.LaunchLab(ctx, alice.ID, "lab-1")
	require.NoError(t, err)
	assert.Empty(t, again.Created)

	for _, inst := range report.Created {
		require.NoError(t, h.orch.Delete(ctx, inst.ID))
	}

	assert.Equal(t, 1, count(h.router.Calls(), "DeleteVlanInterface"))
	assert.Equal(t, 1, count(h.router.Calls(), "UnbindUser"))
	assert.Empty(t, h.net.Networks)
	_, err = h.ledger.Lookup(ctx, alice.ID, "lab-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assertLedgerConsistent(t, h, alice.ID)
}

func TestLaunchLab_SkipsFaultedInstances(t *testing.T) {
	h := newHarness(t)
	h.compute.CreateStatus = domain.StatusError

	report, err := h.manager.LaunchLab(context.Background(), alice.ID, "lab-1")
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	require.Len(t, report.Failed, 3)
	assert.Equal(t, "img-ubuntu", report.Failed[0].ImageID)
	assert.Equal(t, "img-kali", report.Failed[2].ImageID)
	assert.Len(t, h.net.Networks, 1)
}

func TestLaunchLab_StopsOnAdmission(t *testing.T) {
	h := newHarness(t)
	h.compute.Add(domain.Instance{UserID: alice.ID, LabID: "lab-2", Status: domain.StatusActive})

	report, err := h.manager.LaunchLab(context.Background(), alice.ID, "lab-1")
	assert.ErrorIs(t, err, ErrAnotherLabActive)
	assert.Empty(t, report.Created)
}

func TestLaunchLab_UnknownLab(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.LaunchLab(context.Background(), alice.ID, "lab-9")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestCreateLab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lab, groups, err := h.manager.CreateLab(ctx, domain.LabSpec{
		Name:     "forensics",
		Internet: true,
		Images:   []domain.ImageQuantity{{ImageID: "img-kali", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "forensics", lab.Name)
	assert.Equal(t, network.InternetGroup, groups.Internet.Name)
	assert.Equal(t, network.NoInternetGroup, groups.NoInternet.Name)
	assert.Equal(t, lab.ID, groups.Internet.LabID)
	assert.Contains(t, h.events.Types(), events.LabCreated)

	_, _, err = h.manager.CreateLab(ctx, domain.LabSpec{Name: "forensics"})
	assert.ErrorIs(t, err, cloud.ErrConflict)
}

func TestCreateLab_Validation(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.manager.CreateLab(context.Background(), domain.LabSpec{
		Name:   "broken",
		Images: []domain.ImageQuantity{{ImageID: "img-kali", Quantity: -1}},
	})
	assert.ErrorIs(t, err, cloud.ErrMalformed)
	assert.Len(t, h.directory.Labs, 3)
}

func TestCreateLab_GroupFailureRemovesLab(t *testing.T) {
	h := newHarness(t)
	h.net.Fail("CreateSecurityGroup", cloud.ErrQuotaExceeded)

	_, _, err := h.manager.CreateLab(context.Background(), domain.LabSpec{Name: "forensics"})
	assert.ErrorIs(t, err, cloud.ErrQuotaExceeded)
	assert.Len(t, h.directory.Labs, 3)
}

func TestDeleteLab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.manager.CreateLab(ctx, domain.LabSpec{Name: "forensics", Images: []domain.ImageQuantity{{ImageID: "img-kali", Quantity: 1}}})
	require.NoError(t, err)
	labID := "project-1"

	for _, u := range []domain.User{alice, bob} {
		report, err := h.manager.LaunchLab(ctx, u.ID, labID)
		require.NoError(t, err)
		require.Len(t, report.Created, 1)
	}
	require.Len(t, h.net.Networks, 2)

	require.NoError(t, h.manager.DeleteLab(ctx, labID))

	assert.Empty(t, h.compute.Instances)
	assert.Empty(t, h.net.Networks)
	assert.Empty(t, h.net.Groups)
	assert.NotContains(t, h.directory.Labs, labID)
	assert.Equal(t, 2, count(h.router.Calls(), "DeleteVlanInterface"))
	assertLedgerConsistent(t, h, alice.ID)
	assertLedgerConsistent(t, h, bob.ID)
}

func TestDeleteLab_StopsOnStuckInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.LaunchLab(ctx, alice.ID, "lab-2")
	require.NoError(t, err)
	h.compute.Hold = true

	err = h.manager.DeleteLab(ctx, "lab-2")
	var ce *ConvergenceError
	assert.True(t, errors.As(err, &ce))
	assert.Contains(t, h.directory.Labs, "lab-2")
}

func TestVPNAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pw, err := h.manager.CreateVPNAccount(ctx, alice.ID, "")
	require.NoError(t, err)
	assert.Len(t, pw, passwordLength)
	assert.NoError(t, router.ValidatePassword(pw))
	assert.Equal(t, pw, h.router.Secrets[alice.Email])

	pw, err = h.manager.ResetVPNPassword(ctx, alice.ID, "n3w-Passw0rd")
	require.NoError(t, err)
	assert.Equal(t, "n3w-Passw0rd", pw)
	assert.Equal(t, pw, h.router.Secrets[alice.Email])

	require.NoError(t, h.manager.DeleteVPNAccount(ctx, alice.ID))
	assert.NotContains(t, h.router.Secrets, alice.Email)

	_, err = h.manager.CreateVPNAccount(ctx, "u-nobody", "")
	assert.ErrorIs(t, err, cloud.ErrNotFound)
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, passwordLength)
		for _, c := range pw {
			assert.Contains(t, passwordAlphabet, string(c))
		}
		seen[pw] = true
	}
	assert.Len(t, seen, 20)
}
