package domain

import (
	"net/netip"
	"time"
)

// Role is a directory role attached to a user
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// User is a directory user as seen by the orchestrator
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// ImageQuantity is one entry of a lab's image list
type ImageQuantity struct {
	ImageID  string `json:"image_id"`
	Quantity int    `json:"quantity"`
}

// Lab is a tenant grouping images and instances
type Lab struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Internet bool            `json:"internet"`
	Images   []ImageQuantity `json:"images"`
}

// LabSpec describes a lab to be created
type LabSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Internet    bool            `json:"internet"`
	Images      []ImageQuantity `json:"images"`
}

// Image is a catalog image usable as an instance template
type Image struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FlavorID string `json:"flavor_id"`
}

// InstanceStatus is the compute-reported state of an instance
type InstanceStatus string

const (
	StatusBuilding  InstanceStatus = "BUILDING"
	StatusActive    InstanceStatus = "ACTIVE"
	StatusSuspended InstanceStatus = "SUSPENDED"
	StatusShutoff   InstanceStatus = "SHUTOFF"
	StatusError     InstanceStatus = "ERROR"
	StatusDeleted   InstanceStatus = "DELETED"
	StatusRebooting InstanceStatus = "REBOOTING"
	StatusUnknown   InstanceStatus = "UNKNOWN"
)

// Existing reports whether the status counts towards a user's instance total in a lab.
// Every listed instance exists until the compute service reports it DELETED, including
// states mapped to UNKNOWN such as PAUSED or SHELVED.
func (s InstanceStatus) Existing() bool {
	return s != StatusDeleted
}

// Running reports whether the status counts against the per-lab active limit
func (s InstanceStatus) Running() bool {
	return s == StatusActive || s == StatusBuilding
}

// Instance is a compute instance owned by one user inside one lab
type Instance struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	LabID     string            `json:"lab_id"`
	UserID    string            `json:"user_id"`
	ImageID   string            `json:"image_id"`
	Status    InstanceStatus    `json:"status"`
	NetworkID string            `json:"network_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InstanceSpec is what gets submitted to the compute service
type InstanceSpec struct {
	Name      string
	LabID     string
	ImageID   string
	FlavorID  string
	NetworkID string
	Metadata  map[string]string
}

// Vlan is a ledger row: a VLAN segment provisioned for one user in one lab
type Vlan struct {
	ID        int64     `json:"vlan_id"`
	LabID     string    `json:"lab_id"`
	OwnerID   string    `json:"owner_id"`
	NetworkID string    `json:"network_id"`
	CIDR      string    `json:"cidr"`
	CreatedAt time.Time `json:"created_at"`
}

// UserVlanBinding is a user's VLAN set and the VLAN currently bound on the router
type UserVlanBinding struct {
	UserID     string  `json:"user_id"`
	ActiveVlan *int64  `json:"active_vlan"`
	Vlans      []int64 `json:"vlans"`
}

// IsActive reports whether vlanID is the user's active VLAN
func (b UserVlanBinding) IsActive(vlanID int64) bool {
	return b.ActiveVlan != nil && *b.ActiveVlan == vlanID
}

// CleanupKind names the external resource a cleanup record refers to
type CleanupKind string

const (
	CleanupNetwork       CleanupKind = "network"
	CleanupRouterVlan    CleanupKind = "router_vlan"
	CleanupRouterBinding CleanupKind = "router_binding"
)

// Cleanup records an external resource left behind by a partially failed step
type Cleanup struct {
	ID         int64       `json:"id"`
	Kind       CleanupKind `json:"kind"`
	ResourceID string      `json:"resource_id"`
	VlanID     int64       `json:"vlan_id,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	LabID      string      `json:"lab_id,omitempty"`
	Step       string      `json:"step"`
	Reason     string      `json:"reason"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// Network is a VLAN-backed virtual network owned by one user in one lab
type Network struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	SegmentationID int64        `json:"segmentation_id"`
	NetworkType    string       `json:"network_type"`
	CIDR           netip.Prefix `json:"cidr"`
	SubnetID       string       `json:"subnet_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// NetworkSpec describes a provider network to create
type NetworkSpec struct {
	Name            string
	PhysicalNetwork string
	NetworkType     string
	Shared          bool
}

// SubnetSpec describes a subnet to create inside a network
type SubnetSpec struct {
	Name       string
	NetworkID  string
	CIDR       netip.Prefix
	Gateway    netip.Addr
	PoolStart  netip.Addr
	PoolEnd    netip.Addr
	DNSServers []string
}

// Subnet is a subnet of a network
type Subnet struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	Name      string `json:"name"`
	CIDR      string `json:"cidr"`
}

// QuotaKind names a network-service quota
type QuotaKind string

const (
	QuotaNetwork       QuotaKind = "network"
	QuotaSubnet        QuotaKind = "subnet"
	QuotaRouter        QuotaKind = "router"
	QuotaPort          QuotaKind = "port"
	QuotaFloatingIP    QuotaKind = "floatingip"
	QuotaSecurityGroup QuotaKind = "security_group"
)

// QuotaUsage is the limit and consumption of one quota kind; a negative limit is unlimited
type QuotaUsage struct {
	Limit    int `json:"limit"`
	Used     int `json:"used"`
	Reserved int `json:"reserved"`
}

// SecurityGroup is a lab-scoped security group
type SecurityGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	LabID   string   `json:"lab_id"`
	RuleIDs []string `json:"rule_ids,omitempty"`
}

// Direction of a security group rule
type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// SecurityGroupRule is an IPv4 rule; an empty RemotePrefix matches any address
type SecurityGroupRule struct {
	GroupID      string
	LabID        string
	Direction    Direction
	RemotePrefix string
}

// SecurityGroupPair is the internet/no-internet pair every lab carries
type SecurityGroupPair struct {
	Internet   SecurityGroup `json:"internet"`
	NoInternet SecurityGroup `json:"no_internet"`
}
