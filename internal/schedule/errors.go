package schedule

import (
	"errors"
	"fmt"

	"schedbot/internal/storage"
)

var (
	// ErrInvalidTime is returned when the requested instant is missing or not
	// in the future. Nothing is persisted.
	ErrInvalidTime   = errors.New("schedule: fire time must be in the future")
	ErrUnknownKind   = errors.New("schedule: unknown kind")
	ErrNoDestination = errors.New("schedule: destination required")
	ErrNotRunning    = errors.New("schedule: service not running")
	// ErrDuplicateID is shared with storage so either layer's collision
	// matches errors.Is.
	ErrDuplicateID = storage.ErrDuplicateID
)

// DeliveryError wraps a failed delivery of one item.
type DeliveryError struct {
	ID  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
