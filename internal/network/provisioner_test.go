package network

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/testutil"
	"github.com/jbweber/homelab/vlab/internal/vlan"
)

func newTestProvisioner(t *testing.T) (*Provisioner, *testutil.FakeNetwork) {
	t.Helper()
	alloc, err := vlan.NewAllocator("10.1.0.0")
	require.NoError(t, err)
	client := testutil.NewFakeNetwork()
	p := NewProvisioner(client, alloc, Config{PhysicalNetwork: "physnet1", DNSServers: []string{"8.8.8.8"}}, zerolog.Nop())
	return p, client
}

var testOwner = Owner{UserID: "u1", Email: "alice@example.com", LabID: "lab-1"}

func TestCreateUserNetwork(t *testing.T) {
	p, client := newTestProvisioner(t)
	client.NextSegment = 69

	n, err := p.CreateUserNetwork(context.Background(), testOwner)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com|lab-1", n.Name)
	assert.Equal(t, int64(69), n.SegmentationID)
	assert.Equal(t, netip.MustParsePrefix("10.1.4.64/28"), n.CIDR)
	assert.NotEmpty(t, n.SubnetID)

	subnet := client.Subnets[n.SubnetID]
	assert.Equal(t, "alice@example.com|subnet_69", subnet.Name)
	assert.Equal(t, "10.1.4.64/28", subnet.CIDR)
}

func TestCreateUserNetwork_SubnetFailureDeletesNetwork(t *testing.T) {
	p, client := newTestProvisioner(t)
	client.Fail("CreateSubnet", cloud.ErrQuotaExceeded)

	_, err := p.CreateUserNetwork(context.Background(), testOwner)
	require.Error(t, err)
	assert.ErrorIs(t, err, cloud.ErrQuotaExceeded)
	assert.Empty(t, client.Networks)
	assert.Contains(t, client.Calls(), "DeleteNetwork")
}

func TestCreateUserNetwork_SegmentOutsideTagRange(t *testing.T) {
	for _, segment := range []int64{vlan.MaxVlanID + 1, vlan.Capacity, vlan.Capacity + 1} {
		p, client := newTestProvisioner(t)
		client.NextSegment = segment

		_, err := p.CreateUserNetwork(context.Background(), testOwner)
		require.Error(t, err)

		var invalid *vlan.InvalidVlanIDError
		assert.True(t, errors.As(err, &invalid), "segment %d", segment)
		assert.Empty(t, client.Networks)
		assert.NotContains(t, client.Calls(), "CreateSubnet")
	}
}

func TestCreateUserNetwork_HighestTag(t *testing.T) {
	p, client := newTestProvisioner(t)
	client.NextSegment = vlan.MaxVlanID

	n, err := p.CreateUserNetwork(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(vlan.MaxVlanID), n.SegmentationID)
	assert.Equal(t, "10.1.255.208/28", n.CIDR.String())
}

func TestCreateUserNetwork_NetworkFailure(t *testing.T) {
	p, client := newTestProvisioner(t)
	client.Fail("CreateNetwork", cloud.ErrMalformed)

	_, err := p.CreateUserNetwork(context.Background(), testOwner)
	assert.ErrorIs(t, err, cloud.ErrMalformed)
	assert.NotContains(t, client.Calls(), "CreateSubnet")
}

func TestDeleteUserNetwork_Idempotent(t *testing.T) {
	p, client := newTestProvisioner(t)
	ctx := context.Background()

	n, err := p.CreateUserNetwork(ctx, testOwner)
	require.NoError(t, err)

	require.NoError(t, p.DeleteUserNetwork(ctx, n.ID))
	assert.Empty(t, client.Networks)
	assert.Empty(t, client.Subnets)

	// second delete of the same network is a no-op
	require.NoError(t, p.DeleteUserNetwork(ctx, n.ID))
	require.NoError(t, p.DeleteUserNetwork(ctx, "never-existed"))
}

func TestDeleteUserNetwork_PropagatesOtherErrors(t *testing.T) {
	p, client := newTestProvisioner(t)
	ctx := context.Background()

	n, err := p.CreateUserNetwork(ctx, testOwner)
	require.NoError(t, err)

	client.Fail("DeleteSubnet", cloud.ErrConflict)
	err = p.DeleteUserNetwork(ctx, n.ID)
	assert.ErrorIs(t, err, cloud.ErrConflict)
	assert.Contains(t, client.Networks, n.ID)
}

func TestFindUserNetwork(t *testing.T) {
	p, _ := newTestProvisioner(t)
	ctx := context.Background()

	n, err := p.CreateUserNetwork(ctx, testOwner)
	require.NoError(t, err)

	found, err := p.FindUserNetwork(ctx, NetworkName(testOwner.Email, testOwner.LabID))
	require.NoError(t, err)
	assert.Equal(t, n.ID, found.ID)

	_, err = p.FindUserNetwork(ctx, "bob@example.com|lab-1")
	assert.True(t, cloud.IsNotFound(err))
}

func TestUserNetworks_FiltersByNameAndType(t *testing.T) {
	p, client := newTestProvisioner(t)
	ctx := context.Background()

	_, err := p.CreateUserNetwork(ctx, testOwner)
	require.NoError(t, err)
	client.Networks["ext"] = domain.Network{ID: "ext", Name: "public", NetworkType: "flat"}
	client.Networks["odd"] = domain.Network{ID: "odd", Name: "|lab-1", NetworkType: "vlan"}

	nets, err := p.UserNetworks(ctx)
	require.NoError(t, err)
	require.Len(t, nets, 1)
	assert.Equal(t, "alice@example.com|lab-1", nets[0].Name)
}

func TestQuotaRemaining(t *testing.T) {
	p, client := newTestProvisioner(t)
	ctx := context.Background()

	client.Quotas[domain.QuotaNetwork] = domain.QuotaUsage{Limit: 10, Used: 3, Reserved: 2}
	client.Quotas[domain.QuotaPort] = domain.QuotaUsage{Limit: -1, Used: 40}
	client.Quotas[domain.QuotaRouter] = domain.QuotaUsage{Limit: 2, Used: 5}

	left, err := p.QuotaRemaining(ctx, domain.QuotaNetwork)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	left, err = p.QuotaRemaining(ctx, domain.QuotaPort)
	require.NoError(t, err)
	assert.Equal(t, -1, left)

	left, err = p.QuotaRemaining(ctx, domain.QuotaRouter)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	delete(client.Quotas, domain.QuotaFloatingIP)
	_, err = p.QuotaRemaining(ctx, domain.QuotaFloatingIP)
	assert.ErrorIs(t, err, cloud.ErrMalformed)
}

func TestEnsureCapacity(t *testing.T) {
	p, client := newTestProvisioner(t)
	ctx := context.Background()

	require.NoError(t, p.EnsureCapacity(ctx))

	client.Quotas[domain.QuotaSubnet] = domain.QuotaUsage{Limit: 4, Used: 4}
	assert.ErrorIs(t, p.EnsureCapacity(ctx), cloud.ErrQuotaExceeded)

	client.Quotas[domain.QuotaSubnet] = domain.QuotaUsage{Limit: -1}
	client.Quotas[domain.QuotaNetwork] = domain.QuotaUsage{Limit: 1, Reserved: 1}
	assert.ErrorIs(t, p.EnsureCapacity(ctx), cloud.ErrQuotaExceeded)
}
