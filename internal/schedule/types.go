package schedule

import (
	"context"
	"time"
)

// Kind selects how an item is rendered on delivery.
type Kind string

const (
	KindVideo    Kind = "video"
	KindAnnounce Kind = "announce"
)

var knownKinds = map[Kind]struct{}{
	KindVideo:    {},
	KindAnnounce: {},
}

func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Payload is the content delivered for an item. Every field is optional.
type Payload struct {
	Text      string
	URL       string
	Mention   string
	StickerID string
}

// Item is one scheduled delivery.
type Item struct {
	ID   string
	Kind Kind
	// Destination is opaque to the scheduler; only the Deliverer reads it.
	Destination string
	Payload     Payload
	FireAt      time.Time
	CreatedAt   time.Time
	CreatedBy   int64
}

// Request is the input of Schedule and ScheduleImmediate. FireAt is ignored
// by ScheduleImmediate.
type Request struct {
	Kind        Kind
	Destination string
	Payload     Payload
	FireAt      time.Time
	CreatedBy   int64
}

// ItemInfo is the operator view of a persisted item. Malformed records are
// listed with a zero FireAt so they can still be cancelled.
type ItemInfo struct {
	ID          string
	Kind        Kind
	FireAt      time.Time
	Destination string
	CreatedBy   int64
	Malformed   bool
}

// Deliverer transmits an item to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, it Item) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, it Item) error

func (f DelivererFunc) Deliver(ctx context.Context, it Item) error { return f(ctx, it) }

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// IDFunc generates a fresh item id for a kind.
type IDFunc func(k Kind) string

// Config tunes the service.
type Config struct {
	// LateGrace lets recovery arm items that are overdue by at most this much.
	LateGrace time.Duration
	// DeliveryTimeout bounds one Deliver call. Zero means no timeout.
	DeliveryTimeout time.Duration
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Loaded  int
	Armed   int
	Dropped int
	Skipped int
}
