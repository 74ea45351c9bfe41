package router

import (
	"fmt"
	"regexp"

	"github.com/jbweber/homelab/vlab/internal/vlan"
)

var (
	emailPattern    = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	passwordPattern = regexp.MustCompile(`^[A-Za-z0-9!#%&()*+,\-./:<=>?@^_{|}~]{8,64}$`)
)

// ValidateVlanID rejects ids that are not valid 802.1Q tags
func ValidateVlanID(id int64) error {
	if err := vlan.ValidateTag(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateEmail rejects addresses outside the safe charset
func ValidateEmail(email string) error {
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: email %q", ErrInvalidInput, email)
	}
	return nil
}

// ValidatePassword rejects passwords containing quoting or scripting characters
func ValidatePassword(password string) error {
	if !passwordPattern.MatchString(password) {
		return fmt.Errorf("%w: password must be 8-64 characters without quotes, spaces, $, ; or brackets", ErrInvalidInput)
	}
	return nil
}
