package catalog

import "errors"

var (
	// ErrDuplicatePath is returned when an insert would violate path
	// uniqueness.
	ErrDuplicatePath = errors.New("catalog: duplicate path")

	// ErrNotFound is returned when the named entity does not exist.
	ErrNotFound = errors.New("catalog: not found")

	// ErrConsistency is returned when an operation would leave a dangling
	// reference. These indicate bugs in the caller, not recoverable state.
	ErrConsistency = errors.New("catalog: consistency violation")
)
