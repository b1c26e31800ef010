package storage

import (
	"errors"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (DSN is a filesystem path)
//   - "postgres": PostgreSQL via pgx (DSN is a connection string)
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrLimitReached is returned by the conditional quota increments when the
	// counter is already at its limit. The admission layer maps it to a
	// user-facing denial reason.
	ErrLimitReached = errors.New("storage: limit reached")

	// ErrClaimLost is returned when a claim or claim-scoped update matched no
	// row: another dispatcher holds the post, or its state moved on.
	ErrClaimLost = errors.New("storage: claim lost")

	// ErrNotEditable is returned when a mutation targets a published post.
	ErrNotEditable = errors.New("storage: post is not editable")

	// ErrInvalidTransition is returned when a requested status change is not a
	// legal lifecycle edge.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)
