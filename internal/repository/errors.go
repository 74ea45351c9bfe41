package repository

import "errors"

// Ledger row errors, matched with errors.Is
var (
	// ErrNotFound means no row has the requested key
	ErrNotFound = errors.New("ledger row not found")

	// ErrDuplicate means the VLAN id or the owner/lab pair is already recorded
	ErrDuplicate = errors.New("ledger row already recorded")

	// ErrInvalidEntity means a row breaks a ledger rule, such as a missing key or an
	// active VLAN outside the user's set
	ErrInvalidEntity = errors.New("ledger row violates a constraint")
)
