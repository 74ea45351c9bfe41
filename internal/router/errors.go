package router

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandFailed matches every *CommandError
	ErrCommandFailed = errors.New("router command failed")

	// ErrInvalidInput is returned before any connection is made when an identifier
	// is unsafe to place in a command
	ErrInvalidInput = errors.New("invalid router command input")
)

// CommandError reports which step of a router operation failed
type CommandError struct {
	Op   string
	Step string
	Err  error
}

func (e *CommandError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("router %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("router %s failed at step %s: %v", e.Op, e.Step, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// StepOf returns the failed step of a router error, or "" if err is not one
func StepOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Step
	}
	return ""
}
