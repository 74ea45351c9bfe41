package lifecycle

import (
	"errors"
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// Admission rejections. They are returned to the caller unchanged.
var (
	ErrAnotherLabActive            = errors.New("another lab has active instances")
	ErrTooManyActiveInstancesInLab = errors.New("too many active instances in lab")
	ErrTooManyLabs                 = errors.New("too many labs in use")
	ErrInstanceAlreadyExists       = errors.New("instance already exists")
)

var (
	// ErrUnknownFault is returned when an instance enters the ERROR state
	ErrUnknownFault = errors.New("instance entered error state")

	// ErrInstanceNotFound is returned when the instance does not exist
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNotOwner is returned when the caller may not act on the instance
	ErrNotOwner = errors.New("caller does not own the instance")

	// ErrUnsupportedState is returned for target states ChangeState does not drive
	ErrUnsupportedState = errors.New("unsupported target state")
)

// IsAdmissionError reports whether err is an admission rejection
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrAnotherLabActive) ||
		errors.Is(err, ErrTooManyActiveInstancesInLab) ||
		errors.Is(err, ErrTooManyLabs) ||
		errors.Is(err, ErrInstanceAlreadyExists)
}

// admissionReason is the metrics label of an admission rejection
func admissionReason(err error) string {
	switch {
	case errors.Is(err, ErrAnotherLabActive):
		return "another_lab_active"
	case errors.Is(err, ErrTooManyActiveInstancesInLab):
		return "too_many_active"
	case errors.Is(err, ErrTooManyLabs):
		return "too_many_labs"
	case errors.Is(err, ErrInstanceAlreadyExists):
		return "already_exists"
	}
	return "other"
}

// ConvergenceError reports an instance that did not reach the expected status in time
type ConvergenceError struct {
	InstanceID string
	Expected   domain.InstanceStatus
	Observed   domain.InstanceStatus
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("instance %s did not reach %s, last seen %s", e.InstanceID, e.Expected, e.Observed)
}

// OrchestrationError wraps an external failure with the step it happened in
type OrchestrationError struct {
	Op   string
	Step string
	Err  error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Op, e.Step, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}
