package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMissingToken = errors.New("telegram.token is required (or set " + EnvToken + ")")

// Validate checks fields that cannot be expressed by the strict decoder.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrMissingToken
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.late_grace", cfg.Scheduler.LateGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.delivery_timeout", cfg.Scheduler.DeliveryTimeout); err != nil {
		return err
	}
	if cfg.Scheduler.RatePerSec < 0 {
		return fmt.Errorf("scheduler.rate_per_sec: must be >= 0")
	}
	if _, err := cfg.Scheduler.Location(); err != nil {
		return err
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "json", "sqlite", "sqlite3":
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage.dsn is required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured timezone. Empty means local time.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// ParseDurationField parses a Go duration string; a bare integer means
// seconds. Empty is zero. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
