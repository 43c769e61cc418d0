package generation

import "errors"

var (
	// ErrConflict is returned when a generation is already running for the key.
	ErrConflict = errors.New("generation already in progress")
	// ErrNotFound is returned for unknown or foreign conversations.
	ErrNotFound = errors.New("conversation not found")
	// ErrNotPartial is returned by Continue when the last message is not a
	// partial assistant reply.
	ErrNotPartial = errors.New("last message is not a partial response")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid request")

	errCancelled = errors.New("generation cancelled")
)
