// Package openstack adapts gophercloud to the compute, network, identity and image
// interfaces the orchestrator consumes.
package openstack

import (
	"fmt"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
)

// Config holds the service credentials
type Config struct {
	AuthURL     string
	Username    string
	Password    string
	ProjectID   string
	ProjectName string
	DomainName  string
	Region      string
}

// Clients holds one service client per OpenStack service
type Clients struct {
	Compute   *gophercloud.ServiceClient
	Network   *gophercloud.ServiceClient
	Identity  *gophercloud.ServiceClient
	Image     *gophercloud.ServiceClient
	ProjectID string
}

// Connect authenticates and builds the service clients
func Connect(cfg Config) (*Clients, error) {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		TenantID:         cfg.ProjectID,
		TenantName:       cfg.ProjectName,
		DomainName:       cfg.DomainName,
		AllowReauth:      true,
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate against %s: %w", cfg.AuthURL, classify(err))
	}

	endpoint := gophercloud.EndpointOpts{Region: cfg.Region}
	c := &Clients{ProjectID: cfg.ProjectID}

	if c.Compute, err = openstack.NewComputeV2(provider, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	if c.Network, err = openstack.NewNetworkV2(provider, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create network client: %w", err)
	}
	if c.Identity, err = openstack.NewIdentityV3(provider, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}
	if c.Image, err = openstack.NewImageServiceV2(provider, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create image client: %w", err)
	}
	return c, nil
}
