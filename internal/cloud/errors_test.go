package cloud

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnoreNotFound(t *testing.T) {
	assert.NoError(t, IgnoreNotFound(nil))
	assert.NoError(t, IgnoreNotFound(fmt.Errorf("delete network: %w", ErrNotFound)))

	other := fmt.Errorf("delete network: %w", ErrQuotaExceeded)
	assert.Equal(t, other, IgnoreNotFound(other))
	assert.True(t, errors.Is(IgnoreNotFound(other), ErrQuotaExceeded))
}
