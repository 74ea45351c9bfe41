package testutil

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
)

// failures holds injected errors keyed by method name
type failures struct {
	Errors map[string]error
	calls  []string
	skip   map[string]int
}

func (f *failures) call(method string) error {
	f.calls = append(f.calls, method)
	err := f.Errors[method]
	if err != nil && f.skip[method] > 0 {
		f.skip[method]--
		return nil
	}
	return err
}

func (f *failures) set(method string, after int, err error) {
	if f.Errors == nil {
		f.Errors = map[string]error{}
	}
	if f.skip == nil {
		f.skip = map[string]int{}
	}
	if err == nil {
		delete(f.Errors, method)
		delete(f.skip, method)
		return
	}
	f.Errors[method] = err
	f.skip[method] = after
}

// FakeCompute is an in-memory compute service. Operations take effect immediately
// unless Hold is set, in which case statuses never change on their own.
type FakeCompute struct {
	mu sync.Mutex
	failures

	Instances map[string]domain.Instance
	Groups    map[string][]string
	Images    map[string]string

	// CreateStatus is the status new instances reach; empty means ACTIVE
	CreateStatus domain.InstanceStatus
	Hold         bool

	next int
}

// NewFakeCompute creates an empty compute service
func NewFakeCompute() *FakeCompute {
	return &FakeCompute{
		failures:  failures{Errors: map[string]error{}},
		Instances: map[string]domain.Instance{},
		Groups:    map[string][]string{},
		Images:    map[string]string{},
	}
}

// Calls returns the methods invoked so far
func (c *FakeCompute) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Fail makes method return err until cleared with a nil err
func (c *FakeCompute) Fail(method string, err error) {
	c.FailAfter(method, 0, err)
}

// FailAfter lets method succeed n more times and then return err
func (c *FakeCompute) FailAfter(method string, after int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(method, after, err)
}

// Add inserts an instance directly
func (c *FakeCompute) Add(inst domain.Instance) domain.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst.ID == "" {
		c.next++
		inst.ID = fmt.Sprintf("inst-%d", c.next)
	}
	c.Instances[inst.ID] = inst
	if _, ok := c.Groups[inst.ID]; !ok {
		c.Groups[inst.ID] = []string{"default"}
	}
	return inst
}

// SetStatus overrides an instance's status
func (c *FakeCompute) SetStatus(id string, status domain.InstanceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.Instances[id]; ok {
		inst.Status = status
		c.Instances[id] = inst
	}
}

// GroupsOf returns the security groups attached to an instance
func (c *FakeCompute) GroupsOf(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Groups[id]...)
}

func (c *FakeCompute) CreateInstance(ctx context.Context, spec domain.InstanceSpec) (domain.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("CreateInstance"); err != nil {
		return domain.Instance{}, err
	}

	c.next++
	status := domain.StatusBuilding
	if !c.Hold {
		status = c.CreateStatus
		if status == "" {
			status = domain.StatusActive
		}
	}
	meta := map[string]string{}
	for k, v := range spec.Metadata {
		meta[k] = v
	}
	inst := domain.Instance{
		ID:        fmt.Sprintf("inst-%d", c.next),
		Name:      spec.Name,
		LabID:     spec.LabID,
		UserID:    meta["owner"],
		ImageID:   spec.ImageID,
		Status:    status,
		NetworkID: spec.NetworkID,
		Metadata:  meta,
	}
	c.Instances[inst.ID] = inst
	c.Groups[inst.ID] = []string{"default"}
	return inst, nil
}

func (c *FakeCompute) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("GetInstance"); err != nil {
		return domain.Instance{}, err
	}
	inst, ok := c.Instances[id]
	if !ok {
		return domain.Instance{}, fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	return inst, nil
}

func (c *FakeCompute) ListInstances(ctx context.Context, userID string) ([]domain.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("ListInstances"); err != nil {
		return nil, err
	}
	var out []domain.Instance
	for _, inst := range c.Instances {
		if inst.UserID == userID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *FakeCompute) ListLabInstances(ctx context.Context, labID string) ([]domain.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("ListLabInstances"); err != nil {
		return nil, err
	}
	var out []domain.Instance
	for _, inst := range c.Instances {
		if inst.LabID == labID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *FakeCompute) DeleteInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("DeleteInstance"); err != nil {
		return err
	}
	if _, ok := c.Instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	if !c.Hold {
		delete(c.Instances, id)
		delete(c.Groups, id)
	}
	return nil
}

func (c *FakeCompute) transition(method, id string, to domain.InstanceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(method); err != nil {
		return err
	}
	inst, ok := c.Instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	if !c.Hold {
		inst.Status = to
		c.Instances[id] = inst
	}
	return nil
}

func (c *FakeCompute) StartInstance(ctx context.Context, id string) error {
	return c.transition("StartInstance", id, domain.StatusActive)
}

func (c *FakeCompute) StopInstance(ctx context.Context, id string) error {
	return c.transition("StopInstance", id, domain.StatusShutoff)
}

func (c *FakeCompute) SuspendInstance(ctx context.Context, id string) error {
	return c.transition("SuspendInstance", id, domain.StatusSuspended)
}

func (c *FakeCompute) ResumeInstance(ctx context.Context, id string) error {
	return c.transition("ResumeInstance", id, domain.StatusActive)
}

func (c *FakeCompute) RebootInstance(ctx context.Context, id string) error {
	return c.transition("RebootInstance", id, domain.StatusActive)
}

func (c *FakeCompute) AddSecurityGroup(ctx context.Context, id, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("AddSecurityGroup"); err != nil {
		return err
	}
	if _, ok := c.Instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	c.Groups[id] = append(c.Groups[id], group)
	return nil
}

func (c *FakeCompute) RemoveSecurityGroup(ctx context.Context, id, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("RemoveSecurityGroup"); err != nil {
		return err
	}
	kept := c.Groups[id][:0]
	for _, g := range c.Groups[id] {
		if g != group {
			kept = append(kept, g)
		}
	}
	c.Groups[id] = kept
	return nil
}

func (c *FakeCompute) CreateImage(ctx context.Context, id, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call("CreateImage"); err != nil {
		return "", err
	}
	if _, ok := c.Instances[id]; !ok {
		return "", fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	imageID := fmt.Sprintf("image-%s-%d", id, len(c.Images)+1)
	c.Images[imageID] = name
	return imageID, nil
}

// FakeNetwork is an in-memory network service handing out sequential segmentation ids
type FakeNetwork struct {
	mu sync.Mutex
	failures

	Networks map[string]domain.Network
	Subnets  map[string]domain.Subnet
	Groups   map[string]domain.SecurityGroup
	Rules    map[string]domain.SecurityGroupRule
	Quotas   map[domain.QuotaKind]domain.QuotaUsage

	NextSegment int64
	Now         func() time.Time

	next int
}

// NewFakeNetwork creates an empty network service with generous quotas
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		failures: failures{Errors: map[string]error{}},
		Networks: map[string]domain.Network{},
		Subnets:  map[string]domain.Subnet{},
		Groups:   map[string]domain.SecurityGroup{},
		Rules:    map[string]domain.SecurityGroupRule{},
		Quotas: map[domain.QuotaKind]domain.QuotaUsage{
			domain.QuotaNetwork:       {Limit: 100},
			domain.QuotaSubnet:        {Limit: 100},
			domain.QuotaRouter:        {Limit: 10},
			domain.QuotaPort:          {Limit: 500},
			domain.QuotaFloatingIP:    {Limit: 50},
			domain.QuotaSecurityGroup: {Limit: 100},
		},
		NextSegment: 1,
		Now:         time.Now,
	}
}

// Calls returns the methods invoked so far
func (n *FakeNetwork) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// Fail makes method return err until cleared with a nil err
func (n *FakeNetwork) Fail(method string, err error) {
	n.FailAfter(method, 0, err)
}

// FailAfter lets method succeed n more times and then return err
func (n *FakeNetwork) FailAfter(method string, after int, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.set(method, after, err)
}

func (n *FakeNetwork) id(prefix string) string {
	n.next++
	return fmt.Sprintf("%s-%d", prefix, n.next)
}

func (n *FakeNetwork) CreateNetwork(ctx context.Context, spec domain.NetworkSpec) (domain.Network, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("CreateNetwork"); err != nil {
		return domain.Network{}, err
	}
	net := domain.Network{
		ID:             n.id("net"),
		Name:           spec.Name,
		SegmentationID: n.NextSegment,
		NetworkType:    spec.NetworkType,
		CreatedAt:      n.Now(),
	}
	n.NextSegment++
	n.Networks[net.ID] = net
	return net, nil
}

func (n *FakeNetwork) DeleteNetwork(ctx context.Context, networkID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("DeleteNetwork"); err != nil {
		return err
	}
	if _, ok := n.Networks[networkID]; !ok {
		return fmt.Errorf("network %s: %w", networkID, cloud.ErrNotFound)
	}
	for id, s := range n.Subnets {
		if s.NetworkID == networkID {
			delete(n.Subnets, id)
		}
	}
	delete(n.Networks, networkID)
	return nil
}

func (n *FakeNetwork) FindNetworkByName(ctx context.Context, name string) (domain.Network, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("FindNetworkByName"); err != nil {
		return domain.Network{}, err
	}
	for _, net := range n.Networks {
		if net.Name == name {
			return net, nil
		}
	}
	return domain.Network{}, fmt.Errorf("network %q: %w", name, cloud.ErrNotFound)
}

func (n *FakeNetwork) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("ListNetworks"); err != nil {
		return nil, err
	}
	out := make([]domain.Network, 0, len(n.Networks))
	for _, net := range n.Networks {
		out = append(out, net)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (n *FakeNetwork) CreateSubnet(ctx context.Context, spec domain.SubnetSpec) (domain.Subnet, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("CreateSubnet"); err != nil {
		return domain.Subnet{}, err
	}
	net, ok := n.Networks[spec.NetworkID]
	if !ok {
		return domain.Subnet{}, fmt.Errorf("network %s: %w", spec.NetworkID, cloud.ErrNotFound)
	}
	if !spec.CIDR.Contains(spec.Gateway) || !spec.CIDR.Contains(spec.PoolStart) || !spec.CIDR.Contains(spec.PoolEnd) {
		return domain.Subnet{}, fmt.Errorf("addresses outside %s: %w", spec.CIDR, cloud.ErrMalformed)
	}
	s := domain.Subnet{ID: n.id("subnet"), NetworkID: spec.NetworkID, Name: spec.Name, CIDR: spec.CIDR.String()}
	n.Subnets[s.ID] = s
	net.SubnetID = s.ID
	net.CIDR = spec.CIDR
	n.Networks[net.ID] = net
	return s, nil
}

func (n *FakeNetwork) ListSubnets(ctx context.Context, networkID string) ([]domain.Subnet, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("ListSubnets"); err != nil {
		return nil, err
	}
	var out []domain.Subnet
	for _, s := range n.Subnets {
		if s.NetworkID == networkID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (n *FakeNetwork) DeleteSubnet(ctx context.Context, subnetID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("DeleteSubnet"); err != nil {
		return err
	}
	if _, ok := n.Subnets[subnetID]; !ok {
		return fmt.Errorf("subnet %s: %w", subnetID, cloud.ErrNotFound)
	}
	delete(n.Subnets, subnetID)
	return nil
}

// QuotaUsage reports the configured quotas with usage derived from existing resources
func (n *FakeNetwork) QuotaUsage(ctx context.Context) (map[domain.QuotaKind]domain.QuotaUsage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("QuotaUsage"); err != nil {
		return nil, err
	}
	out := make(map[domain.QuotaKind]domain.QuotaUsage, len(n.Quotas))
	for k, v := range n.Quotas {
		out[k] = v
	}
	if q, ok := out[domain.QuotaNetwork]; ok {
		q.Used += len(n.Networks)
		out[domain.QuotaNetwork] = q
	}
	if q, ok := out[domain.QuotaSubnet]; ok {
		q.Used += len(n.Subnets)
		out[domain.QuotaSubnet] = q
	}
	if q, ok := out[domain.QuotaSecurityGroup]; ok {
		q.Used += len(n.Groups)
		out[domain.QuotaSecurityGroup] = q
	}
	return out, nil
}

func (n *FakeNetwork) CreateSecurityGroup(ctx context.Context, labID, name string) (domain.SecurityGroup, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("CreateSecurityGroup"); err != nil {
		return domain.SecurityGroup{}, err
	}
	g := domain.SecurityGroup{ID: n.id("sg"), Name: name, LabID: labID}
	n.Groups[g.ID] = g
	// groups start with the two default egress rules
	for _, d := range []string{"v4", "v6"} {
		n.Rules[n.id("rule-default-"+d)] = domain.SecurityGroupRule{GroupID: g.ID, LabID: labID, Direction: domain.Egress}
	}
	return g, nil
}

func (n *FakeNetwork) ListSecurityGroups(ctx context.Context, labID string) ([]domain.SecurityGroup, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("ListSecurityGroups"); err != nil {
		return nil, err
	}
	var out []domain.SecurityGroup
	for _, g := range n.Groups {
		if g.LabID == labID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (n *FakeNetwork) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("DeleteSecurityGroup"); err != nil {
		return err
	}
	if _, ok := n.Groups[groupID]; !ok {
		return fmt.Errorf("security group %s: %w", groupID, cloud.ErrNotFound)
	}
	for id, r := range n.Rules {
		if r.GroupID == groupID {
			delete(n.Rules, id)
		}
	}
	delete(n.Groups, groupID)
	return nil
}

func (n *FakeNetwork) ClearSecurityGroupRules(ctx context.Context, groupID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("ClearSecurityGroupRules"); err != nil {
		return err
	}
	for id, r := range n.Rules {
		if r.GroupID == groupID {
			delete(n.Rules, id)
		}
	}
	return nil
}

func (n *FakeNetwork) CreateSecurityGroupRule(ctx context.Context, rule domain.SecurityGroupRule) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("CreateSecurityGroupRule"); err != nil {
		return "", err
	}
	if _, ok := n.Groups[rule.GroupID]; !ok {
		return "", fmt.Errorf("security group %s: %w", rule.GroupID, cloud.ErrNotFound)
	}
	if rule.RemotePrefix != "" {
		if _, err := netip.ParsePrefix(rule.RemotePrefix); err != nil {
			return "", fmt.Errorf("remote prefix %q: %w", rule.RemotePrefix, cloud.ErrMalformed)
		}
	}
	id := n.id("rule")
	n.Rules[id] = rule
	return id, nil
}

// RulesOf returns the rules of a group
func (n *FakeNetwork) RulesOf(groupID string) []domain.SecurityGroupRule {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.SecurityGroupRule
	for _, r := range n.Rules {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Direction < out[j].Direction })
	return out
}

// FakeRouter records VLAN interfaces, bindings and VPN secrets in memory
type FakeRouter struct {
	mu sync.Mutex
	failures

	Interfaces map[int64]bool
	Bindings   map[string]int64
	Secrets    map[string]string

	// OnBind runs after every successful BindUser, outside the router lock
	OnBind func(email string, vlanID int64)
}

// NewFakeRouter creates an empty router
func NewFakeRouter() *FakeRouter {
	return &FakeRouter{
		failures:   failures{Errors: map[string]error{}},
		Interfaces: map[int64]bool{},
		Bindings:   map[string]int64{},
		Secrets:    map[string]string{},
	}
}

// Calls returns the methods invoked so far
func (r *FakeRouter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Fail makes method return err until cleared with a nil err
func (r *FakeRouter) Fail(method string, err error) {
	r.FailAfter(method, 0, err)
}

// FailAfter lets method succeed n more times and then return err
func (r *FakeRouter) FailAfter(method string, after int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set(method, after, err)
}

// Binding returns the VLAN an e-mail is bound to
func (r *FakeRouter) Binding(email string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.Bindings[email]
	return v, ok
}

// HasInterface reports whether the VLAN interface exists
func (r *FakeRouter) HasInterface(vlanID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Interfaces[vlanID]
}

func (r *FakeRouter) CreateVlanInterface(ctx context.Context, vlanID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("CreateVlanInterface"); err != nil {
		return err
	}
	r.Interfaces[vlanID] = true
	return nil
}

func (r *FakeRouter) DeleteVlanInterface(ctx context.Context, vlanID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("DeleteVlanInterface"); err != nil {
		return err
	}
	delete(r.Interfaces, vlanID)
	return nil
}

func (r *FakeRouter) BindUser(ctx context.Context, email string, vlanID int64) error {
	r.mu.Lock()
	if err := r.call("BindUser"); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Bindings[email] = vlanID
	hook := r.OnBind
	r.mu.Unlock()

	if hook != nil {
		hook(email, vlanID)
	}
	return nil
}

func (r *FakeRouter) UnbindUser(ctx context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("UnbindUser"); err != nil {
		return err
	}
	delete(r.Bindings, email)
	return nil
}

func (r *FakeRouter) CreateVPNCredential(ctx context.Context, email, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("CreateVPNCredential"); err != nil {
		return err
	}
	r.Secrets[email] = password
	return nil
}

func (r *FakeRouter) DeleteVPNCredential(ctx context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("DeleteVPNCredential"); err != nil {
		return err
	}
	delete(r.Secrets, email)
	return nil
}

func (r *FakeRouter) ResetVPNCredential(ctx context.Context, email, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("ResetVPNCredential"); err != nil {
		return err
	}
	r.Secrets[email] = password
	return nil
}

// FakeDirectory serves users, labs and images from memory
type FakeDirectory struct {
	mu sync.Mutex
	failures

	Users  map[string]domain.User
	Labs   map[string]domain.Lab
	Images map[string]domain.Image

	next int
}

// NewFakeDirectory creates an empty directory
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		failures: failures{Errors: map[string]error{}},
		Users:    map[string]domain.User{},
		Labs:     map[string]domain.Lab{},
		Images:   map[string]domain.Image{},
	}
}

// Fail makes method return err until cleared with a nil err
func (d *FakeDirectory) Fail(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set(method, 0, err)
}

// AddUser stores a user
func (d *FakeDirectory) AddUser(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Users[u.ID] = u
}

// AddLab stores a lab
func (d *FakeDirectory) AddLab(l domain.Lab) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Labs[l.ID] = l
}

// AddImage stores an image
func (d *FakeDirectory) AddImage(i domain.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Images[i.ID] = i
}

func (d *FakeDirectory) GetUser(ctx context.Context, userID string) (domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("GetUser"); err != nil {
		return domain.User{}, err
	}
	u, ok := d.Users[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", userID, cloud.ErrNotFound)
	}
	return u, nil
}

func (d *FakeDirectory) GetLab(ctx context.Context, labID string) (domain.Lab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("GetLab"); err != nil {
		return domain.Lab{}, err
	}
	l, ok := d.Labs[labID]
	if !ok {
		return domain.Lab{}, fmt.Errorf("lab %s: %w", labID, cloud.ErrNotFound)
	}
	return l, nil
}

func (d *FakeDirectory) CreateLab(ctx context.Context, spec domain.LabSpec) (domain.Lab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("CreateLab"); err != nil {
		return domain.Lab{}, err
	}
	for _, l := range d.Labs {
		if l.Name == spec.Name {
			return domain.Lab{}, fmt.Errorf("lab %q: %w", spec.Name, cloud.ErrConflict)
		}
	}
	d.next++
	l := domain.Lab{ID: fmt.Sprintf("project-%d", d.next), Name: spec.Name, Internet: spec.Internet, Images: spec.Images}
	d.Labs[l.ID] = l
	return l, nil
}

func (d *FakeDirectory) DeleteLab(ctx context.Context, labID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("DeleteLab"); err != nil {
		return err
	}
	if _, ok := d.Labs[labID]; !ok {
		return fmt.Errorf("lab %s: %w", labID, cloud.ErrNotFound)
	}
	delete(d.Labs, labID)
	return nil
}

func (d *FakeDirectory) GetImage(ctx context.Context, imageID string) (domain.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("GetImage"); err != nil {
		return domain.Image{}, err
	}
	i, ok := d.Images[imageID]
	if !ok {
		return domain.Image{}, fmt.Errorf("image %s: %w", imageID, cloud.ErrNotFound)
	}
	return i, nil
}
