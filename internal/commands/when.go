package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedbot/internal/schedule"
)

const localLayout = "2006-01-02 15:04"

// ParseWhen resolves a user supplied time in loc relative to now.
//
//	HH:MM             next occurrence (today, or tomorrow if already past)
//	YYYY-MM-DD HH:MM  that wall time in loc
//	RFC 3339          that instant
//
// The result is not checked for being in the future; Schedule does that.
func ParseWhen(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", schedule.ErrInvalidTime)
	}
	if loc == nil {
		loc = time.Local
	}

	if h, m, err := parseHHMM(raw); err == nil {
		spec, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", schedule.ErrInvalidTime, err)
		}
		// Next is strictly after now, so "now" itself resolves to tomorrow.
		return spec.Next(now.In(loc)), nil
	}
	if t, err := time.ParseInLocation(localLayout, raw, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q (want HH:MM, YYYY-MM-DD HH:MM or RFC 3339)", schedule.ErrInvalidTime, raw)
}

func parseHHMM(s string) (hour int, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
