package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCorruptStore means the persisted document exists but cannot be parsed.
	ErrCorruptStore = errors.New("storage: corrupt store")
	// ErrDuplicateID is returned by Append when the id is already stored.
	ErrDuplicateID = errors.New("storage: duplicate id")
	ErrClosed      = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON document at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted form of a scheduled item. Timestamps stay strings
// (RFC 3339 with offset) so one malformed record can be skipped on its own.
type Record struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	Mention     string `json:"mention,omitempty"`
	StickerID   string `json:"sticker_id,omitempty"`
	FireAt      string `json:"fire_at"`
	CreatedAt   string `json:"created_at"`
	CreatedBy   int64  `json:"created_by,omitempty"`
}

// Store is the persistence API used by the scheduler.
type Store interface {
	// LoadAll returns every stored record. A store that does not exist yet
	// yields an empty slice.
	LoadAll(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, r Record) error
	// RemoveByID reports whether a record was removed. Unknown ids are not an
	// error.
	RemoveByID(ctx context.Context, id string) (bool, error)
	ListAll(ctx context.Context) ([]Record, error)
	Close() error
}
