package openstack

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/secgroups"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/suspendresume"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// Instance metadata keys the orchestrator relies on
const (
	MetaLabID     = "lab_id"
	MetaOwner     = "owner"
	MetaImageName = "image_name"
)

// Compute is the compute service. Lab and owner are read from instance metadata.
type Compute struct {
	client *gophercloud.ServiceClient
}

// NewCompute creates a compute adapter
func NewCompute(client *gophercloud.ServiceClient) *Compute {
	return &Compute{client: client}
}

// CreateInstance submits a server attached only to spec.NetworkID
func (c *Compute) CreateInstance(ctx context.Context, spec domain.InstanceSpec) (domain.Instance, error) {
	opts := servers.CreateOpts{
		Name:      spec.Name,
		ImageRef:  spec.ImageID,
		FlavorRef: spec.FlavorID,
		Networks:  []servers.Network{{UUID: spec.NetworkID}},
		Metadata:  spec.Metadata,
	}
	s, err := servers.Create(c.client, opts).Extract()
	if err != nil {
		return domain.Instance{}, fmt.Errorf("failed to create server %s: %w", spec.Name, classify(err))
	}
	inst := toInstance(*s)
	if inst.Status == "" || inst.Status == domain.StatusUnknown {
		inst.Status = domain.StatusBuilding
	}
	if inst.ImageID == "" {
		inst.ImageID = spec.ImageID
	}
	if len(inst.Metadata) == 0 {
		inst.Metadata = spec.Metadata
		inst.LabID = spec.Metadata[MetaLabID]
		inst.UserID = spec.Metadata[MetaOwner]
	}
	inst.NetworkID = spec.NetworkID
	return inst, nil
}

func (c *Compute) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	s, err := servers.Get(c.client, id).Extract()
	if err != nil {
		return domain.Instance{}, fmt.Errorf("failed to get server %s: %w", id, classify(err))
	}
	return toInstance(*s), nil
}

// ListInstances returns every server owned by userID across projects
func (c *Compute) ListInstances(ctx context.Context, userID string) ([]domain.Instance, error) {
	return c.listWhere(MetaOwner, userID)
}

// ListLabInstances returns every server of a lab
func (c *Compute) ListLabInstances(ctx context.Context, labID string) ([]domain.Instance, error) {
	return c.listWhere(MetaLabID, labID)
}

func (c *Compute) listWhere(key, value string) ([]domain.Instance, error) {
	pages, err := servers.List(c.client, servers.ListOpts{AllTenants: true}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", classify(err))
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to decode servers: %w", err)
	}

	var out []domain.Instance
	for _, s := range all {
		if s.Metadata[key] != value {
			continue
		}
		out = append(out, toInstance(s))
	}
	return out, nil
}

func (c *Compute) DeleteInstance(ctx context.Context, id string) error {
	if err := servers.Delete(c.client, id).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete server %s: %w", id, classify(err))
	}
	return nil
}

func (c *Compute) StartInstance(ctx context.Context, id string) error {
	return c.action("start", id, startstop.Start(c.client, id).ExtractErr())
}

func (c *Compute) StopInstance(ctx context.Context, id string) error {
	return c.action("stop", id, startstop.Stop(c.client, id).ExtractErr())
}

func (c *Compute) SuspendInstance(ctx context.Context, id string) error {
	return c.action("suspend", id, suspendresume.Suspend(c.client, id).ExtractErr())
}

func (c *Compute) ResumeInstance(ctx context.Context, id string) error {
	return c.action("resume", id, suspendresume.Resume(c.client, id).ExtractErr())
}

func (c *Compute) RebootInstance(ctx context.Context, id string) error {
	return c.action("reboot", id, servers.Reboot(c.client, id, servers.RebootOpts{Type: servers.SoftReboot}).ExtractErr())
}

func (c *Compute) AddSecurityGroup(ctx context.Context, id, group string) error {
	return c.action("add security group "+group, id, secgroups.AddServer(c.client, id, group).ExtractErr())
}

func (c *Compute) RemoveSecurityGroup(ctx context.Context, id, group string) error {
	return c.action("remove security group "+group, id, secgroups.RemoveServer(c.client, id, group).ExtractErr())
}

// CreateImage snapshots a server and returns the new image id
func (c *Compute) CreateImage(ctx context.Context, id, name string) (string, error) {
	imageID, err := servers.CreateImage(c.client, id, servers.CreateImageOpts{Name: name}).ExtractImageID()
	if err != nil {
		return "", fmt.Errorf("failed to snapshot server %s: %w", id, classify(err))
	}
	return imageID, nil
}

func (c *Compute) action(name, id string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to %s server %s: %w", name, id, classify(err))
	}
	return nil
}

func toInstance(s servers.Server) domain.Instance {
	inst := domain.Instance{
		ID:       s.ID,
		Name:     s.Name,
		LabID:    s.Metadata[MetaLabID],
		UserID:   s.Metadata[MetaOwner],
		Status:   toStatus(s.Status),
		Metadata: s.Metadata,
	}
	if id, ok := s.Image["id"].(string); ok {
		inst.ImageID = id
	}
	return inst
}

// toStatus maps compute server states to instance statuses
func toStatus(status string) domain.InstanceStatus {
	switch status {
	case "BUILD", "BUILDING":
		return domain.StatusBuilding
	case "ACTIVE":
		return domain.StatusActive
	case "SUSPENDED":
		return domain.StatusSuspended
	case "SHUTOFF", "STOPPED":
		return domain.StatusShutoff
	case "ERROR":
		return domain.StatusError
	case "DELETED", "SOFT_DELETED":
		return domain.StatusDeleted
	case "REBOOT", "HARD_REBOOT":
		return domain.StatusRebooting
	}
	return domain.StatusUnknown
}
