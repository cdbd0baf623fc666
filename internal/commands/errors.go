package commands

import (
	"context"
	"errors"

	"schedbot/internal/schedule"
)

// UsageError is returned by handlers for malformed arguments. Its text is
// shown to the user as is.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "usage: " + e.Usage }

func usage(c string) error { return &UsageError{Usage: c} }

// userMessage maps a handler error to the reply text.
func userMessage(err error) string {
	var ue *UsageError
	var de *schedule.DeliveryError
	switch {
	case errors.As(err, &ue):
		return ue.Error()
	case errors.Is(err, schedule.ErrInvalidTime):
		return "invalid time. use HH:MM, YYYY-MM-DD HH:MM or an RFC 3339 timestamp in the future"
	case errors.As(err, &de):
		return "send failed: " + de.Err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out, try again"
	default:
		return "internal error"
	}
}
