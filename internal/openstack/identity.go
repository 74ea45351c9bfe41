package openstack

import (
	"context"
	"fmt"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/groups"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/users"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// Project attributes holding lab settings
const (
	attrInternet = "vlab_internet"
	attrImages   = "vlab_images"
)

// Directory resolves users from the identity service and keeps labs as projects
type Directory struct {
	client   *gophercloud.ServiceClient
	domainID string
}

// NewDirectory creates an identity adapter; labs are created in domainID
func NewDirectory(client *gophercloud.ServiceClient, domainID string) *Directory {
	return &Directory{client: client, domainID: domainID}
}

// GetUser returns the user with its e-mail and the role derived from group membership
func (d *Directory) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var res struct {
		User struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := users.Get(d.client, userID).ExtractInto(&res); err != nil {
		return domain.User{}, fmt.Errorf("failed to get user %s: %w", userID, classify(err))
	}

	pages, err := users.ListGroups(d.client, userID).AllPages()
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to list groups of user %s: %w", userID, classify(err))
	}
	memberOf, err := groups.ExtractGroups(pages)
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to decode groups: %w", err)
	}
	names := make([]string, 0, len(memberOf))
	for _, g := range memberOf {
		names = append(names, g.Name)
	}

	email := res.User.Email
	if email == "" && strings.Contains(res.User.Name, "@") {
		email = res.User.Name
	}
	return domain.User{
		ID:    res.User.ID,
		Name:  res.User.Name,
		Email: email,
		Role:  roleFromGroups(names),
	}, nil
}

// roleFromGroups picks the most privileged role among the group names
func roleFromGroups(names []string) domain.Role {
	role := domain.RoleStudent
	for _, n := range names {
		switch domain.Role(strings.ToLower(n)) {
		case domain.RoleAdmin:
			return domain.RoleAdmin
		case domain.RoleTeacher:
			role = domain.RoleTeacher
		}
	}
	return role
}

type labProject struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Internet    bool                   `json:"vlab_internet"`
	Images      []domain.ImageQuantity `json:"vlab_images"`
}

func (p labProject) toLab() domain.Lab {
	return domain.Lab{ID: p.ID, Name: p.Name, Internet: p.Internet, Images: p.Images}
}

// labCreateOpts builds a project create request carrying the lab attributes
type labCreateOpts struct {
	DomainID string
	Spec     domain.LabSpec
}

// ToProjectCreateMap implements projects.CreateOptsBuilder
func (o labCreateOpts) ToProjectCreateMap() (map[string]interface{}, error) {
	if o.Spec.Name == "" {
		return nil, fmt.Errorf("lab name is required")
	}
	images := o.Spec.Images
	if images == nil {
		images = []domain.ImageQuantity{}
	}
	project := map[string]interface{}{
		"name":        o.Spec.Name,
		"description": o.Spec.Description,
		"enabled":     true,
		attrInternet:  o.Spec.Internet,
		attrImages:    images,
	}
	if o.DomainID != "" {
		project["domain_id"] = o.DomainID
	}
	return map[string]interface{}{"project": project}, nil
}

func (d *Directory) GetLab(ctx context.Context, labID string) (domain.Lab, error) {
	var res struct {
		Project labProject `json:"project"`
	}
	if err := projects.Get(d.client, labID).ExtractInto(&res); err != nil {
		return domain.Lab{}, fmt.Errorf("failed to get lab %s: %w", labID, classify(err))
	}
	return res.Project.toLab(), nil
}

func (d *Directory) CreateLab(ctx context.Context, spec domain.LabSpec) (domain.Lab, error) {
	var res struct {
		Project labProject `json:"project"`
	}
	opts := labCreateOpts{DomainID: d.domainID, Spec: spec}
	if err := projects.Create(d.client, opts).ExtractInto(&res); err != nil {
		return domain.Lab{}, fmt.Errorf("failed to create lab %s: %w", spec.Name, classify(err))
	}
	return res.Project.toLab(), nil
}

func (d *Directory) DeleteLab(ctx context.Context, labID string) error {
	if err := projects.Delete(d.client, labID).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete lab %s: %w", labID, classify(err))
	}
	return nil
}
