package tree

import "errors"

var (
	// ErrNotFound means a referenced node or parent does not exist or is archived.
	ErrNotFound = errors.New("not found")

	// ErrScopeMismatch means a referenced parent lives in another scope (or is another kind).
	ErrScopeMismatch = errors.New("scope mismatch")

	// ErrCycle means a move would make a node its own ancestor.
	ErrCycle = errors.New("move would create a cycle")

	// ErrUnauthorized means the caller has no access to the scope.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrentModification means the storage layer rejected the atomic unit
	// because of a conflicting writer. Callers retry the whole operation.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrInvalidPosition means a requested position is negative.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrInvalidInput means a request is malformed, such as an unknown kind.
	ErrInvalidInput = errors.New("invalid input")
)
