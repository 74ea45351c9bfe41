package openstack

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jbweber/homelab/vlab/internal/cloud"
)

// statusCoder matches gophercloud's unexpected response code errors
type statusCoder interface {
	GetStatusCode() int
}

// classify wraps a gophercloud error with the matching cloud error class
func classify(err error) error {
	if err == nil {
		return nil
	}

	var coded statusCoder
	if !errors.As(err, &coded) {
		return err
	}

	switch code := coded.GetStatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", cloud.ErrNotFound, err)
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %v", cloud.ErrQuotaExceeded, err)
	case code == http.StatusForbidden:
		// nova reports over-quota as forbidden, policy denials look the same
		if mentionsQuota(err) {
			return fmt.Errorf("%w: %v", cloud.ErrQuotaExceeded, err)
		}
		return fmt.Errorf("%w: %v", cloud.ErrForbidden, err)
	case code == http.StatusConflict:
		// neutron reports over-quota as a conflict
		if mentionsQuota(err) {
			return fmt.Errorf("%w: %v", cloud.ErrQuotaExceeded, err)
		}
		return fmt.Errorf("%w: %v", cloud.ErrConflict, err)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %v", cloud.ErrMalformed, err)
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %v", cloud.ErrTransient, err)
	}
	return err
}

func mentionsQuota(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "quota")
}
