package services

import "errors"

var (
	// ErrValidation marks user-correctable input problems, resolved
	// before any storage access.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound marks an unknown conversation id.
	ErrNotFound = errors.New("conversation not found")

	// ErrStorage marks a failed transactional write during setup;
	// nothing is partially persisted when it is returned.
	ErrStorage = errors.New("storage failure")
)
