package openstack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/gophercloud/gophercloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
)

func newTestServiceClient(t *testing.T, handler http.Handler) *gophercloud.ServiceClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &gophercloud.ServiceClient{
		ProviderClient: &gophercloud.ProviderClient{TokenID: "test-token"},
		Endpoint:       server.URL + "/",
	}
}

func TestNetwork_CreateNetwork(t *testing.T) {
	var body map[string]map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/networks", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"network": {
			"id": "net-1",
			"name": "alice@example.com|lab-1",
			"provider:network_type": "vlan",
			"provider:physical_network": "provider",
			"provider:segmentation_id": 69,
			"subnets": []
		}}`)
	})

	n := NewNetwork(newTestServiceClient(t, mux), "project-1")
	net, err := n.CreateNetwork(context.Background(), domain.NetworkSpec{
		Name:            "alice@example.com|lab-1",
		PhysicalNetwork: "provider",
		NetworkType:     "vlan",
		Shared:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, "net-1", net.ID)
	assert.Equal(t, int64(69), net.SegmentationID)

	sent := body["network"]
	assert.Equal(t, "alice@example.com|lab-1", sent["name"])
	assert.Equal(t, true, sent["shared"])
	segments, ok := sent["segments"].([]interface{})
	require.True(t, ok)
	require.Len(t, segments, 1)
	assert.Equal(t, "vlan", segments[0].(map[string]interface{})["provider:network_type"])
}

func TestNetwork_CreateSubnet(t *testing.T) {
	var body map[string]map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/subnets", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"subnet": {"id": "sub-1", "network_id": "net-1", "name": "alice@example.com|subnet_69", "cidr": "10.1.4.64/28"}}`)
	})

	n := NewNetwork(newTestServiceClient(t, mux), "project-1")
	s, err := n.CreateSubnet(context.Background(), domain.SubnetSpec{
		Name:       "alice@example.com|subnet_69",
		NetworkID:  "net-1",
		CIDR:       netip.MustParsePrefix("10.1.4.64/28"),
		Gateway:    netip.MustParseAddr("10.1.4.65"),
		PoolStart:  netip.MustParseAddr("10.1.4.66"),
		PoolEnd:    netip.MustParseAddr("10.1.4.77"),
		DNSServers: []string{"8.8.8.8"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", s.ID)

	sent := body["subnet"]
	assert.Equal(t, "10.1.4.65", sent["gateway_ip"])
	pools := sent["allocation_pools"].([]interface{})
	require.Len(t, pools, 1)
	assert.Equal(t, "10.1.4.66", pools[0].(map[string]interface{})["start"])
	assert.Equal(t, "10.1.4.77", pools[0].(map[string]interface{})["end"])
}

func TestNetwork_DeleteMissingIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/networks/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	n := NewNetwork(newTestServiceClient(t, mux), "project-1")
	err := n.DeleteNetwork(context.Background(), "gone")
	assert.True(t, cloud.IsNotFound(err))
}
