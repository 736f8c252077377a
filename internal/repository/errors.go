package repository

import (
	"errors"

	"supply-agent/internal/domain"
)

var (
	// ErrNotFound is returned when a supplier or conversation does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when another writer changed a conversation
	// between read and write.
	ErrConflict = errors.New("repository: concurrent modification")
	// ErrInvalidTransition aliases the domain error so callers can match
	// either.
	ErrInvalidTransition = domain.ErrInvalidTransition
)
