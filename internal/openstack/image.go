package openstack

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
)

// flavorProperty is the image property naming the flavor instances of it use
const flavorProperty = "flavor_name"

// Images resolves images and their flavors
type Images struct {
	image   *gophercloud.ServiceClient
	compute *gophercloud.ServiceClient
}

// NewImages creates an image catalog adapter
func NewImages(image, compute *gophercloud.ServiceClient) *Images {
	return &Images{image: image, compute: compute}
}

// GetImage returns the image with its flavor resolved to an id
func (i *Images) GetImage(ctx context.Context, imageID string) (domain.Image, error) {
	img, err := images.Get(i.image, imageID).Extract()
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to get image %s: %w", imageID, classify(err))
	}

	flavorName, _ := img.Properties[flavorProperty].(string)
	if flavorName == "" {
		return domain.Image{}, fmt.Errorf("image %s has no %s property: %w", imageID, flavorProperty, cloud.ErrMalformed)
	}

	flavorID, err := i.flavorID(flavorName)
	if err != nil {
		return domain.Image{}, err
	}
	return domain.Image{ID: img.ID, Name: img.Name, FlavorID: flavorID}, nil
}

func (i *Images) flavorID(name string) (string, error) {
	pages, err := flavors.ListDetail(i.compute, flavors.ListOpts{AccessType: flavors.AllAccess}).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to list flavors: %w", classify(err))
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", fmt.Errorf("failed to decode flavors: %w", err)
	}
	return matchFlavor(all, name)
}

func matchFlavor(all []flavors.Flavor, name string) (string, error) {
	for _, f := range all {
		if f.Name == name {
			return f.ID, nil
		}
	}
	return "", fmt.Errorf("flavor %q: %w", name, cloud.ErrNotFound)
}
