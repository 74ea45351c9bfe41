package lifecycle

import (
	"context"

	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/network"
)

// Compute is the compute service. Not-found errors match cloud.ErrNotFound.
type Compute interface {
	CreateInstance(ctx context.Context, spec domain.InstanceSpec) (domain.Instance, error)
	GetInstance(ctx context.Context, id string) (domain.Instance, error)
	ListInstances(ctx context.Context, userID string) ([]domain.Instance, error)
	ListLabInstances(ctx context.Context, labID string) ([]domain.Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	SuspendInstance(ctx context.Context, id string) error
	ResumeInstance(ctx context.Context, id string) error
	RebootInstance(ctx context.Context, id string) error

	AddSecurityGroup(ctx context.Context, id, group string) error
	RemoveSecurityGroup(ctx context.Context, id, group string) error
	CreateImage(ctx context.Context, id, name string) (string, error)
}

// Directory resolves users and stores labs
type Directory interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
	GetLab(ctx context.Context, labID string) (domain.Lab, error)
	CreateLab(ctx context.Context, spec domain.LabSpec) (domain.Lab, error)
	DeleteLab(ctx context.Context, labID string) error
}

// ImageCatalog resolves images to their flavor
type ImageCatalog interface {
	GetImage(ctx context.Context, imageID string) (domain.Image, error)
}

// Router manages VLAN interfaces, VPN bindings and VPN credentials
type Router interface {
	CreateVlanInterface(ctx context.Context, vlanID int64) error
	DeleteVlanInterface(ctx context.Context, vlanID int64) error
	BindUser(ctx context.Context, email string, vlanID int64) error
	UnbindUser(ctx context.Context, email string) error
	CreateVPNCredential(ctx context.Context, email, password string) error
	DeleteVPNCredential(ctx context.Context, email string) error
	ResetVPNCredential(ctx context.Context, email, password string) error
}

// Networks provisions user networks and lab security groups
type Networks interface {
	CreateUserNetwork(ctx context.Context, owner network.Owner) (domain.Network, error)
	DeleteUserNetwork(ctx context.Context, networkID string) error
	FindUserNetwork(ctx context.Context, name string) (domain.Network, error)
	EnsureCapacity(ctx context.Context) error
	CreateLabSecurityGroups(ctx context.Context, labID string) (domain.SecurityGroupPair, error)
	DeleteLabSecurityGroups(ctx context.Context, labID string) error
}

// Ledger is the VLAN ledger
type Ledger interface {
	Lookup(ctx context.Context, userID, labID string) (domain.Vlan, error)
	Binding(ctx context.Context, userID string) (domain.UserVlanBinding, error)
	VlansOf(ctx context.Context, userID string) ([]domain.Vlan, error)
	Record(ctx context.Context, v domain.Vlan, external func(ctx context.Context) error) error
	Activate(ctx context.Context, userID string, vlanID int64, external func(ctx context.Context) error) error
	Remove(ctx context.Context, userID, labID string) (ledger.Removal, error)
	RecordCleanup(ctx context.Context, c domain.Cleanup) (domain.Cleanup, error)
}

// NetworkPlumbing keeps a user's lab network and router binding in place around
// instance operations
type NetworkPlumbing interface {
	EnsureNetwork(ctx context.Context, user domain.User, labID string) (domain.Vlan, error)
	LookupNetwork(ctx context.Context, userID, labID string) (domain.Vlan, error)
	ReleaseNetwork(ctx context.Context, user domain.User, labID string) error
	Rebind(ctx context.Context, user domain.User, labID string) error
}
