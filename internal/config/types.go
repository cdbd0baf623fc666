package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Health    HealthConfig    `json:"health"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls deferred delivery.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local time
//   - late_grace: "0s" (anything overdue at startup is dropped)
//   - delivery_timeout: "0s" (no timeout beyond the scheduled delay)
//   - rate_per_sec: 1
type SchedulerConfig struct {
	// Timezone is an IANA name used to resolve "HH:MM" in commands.
	Timezone string `json:"timezone,omitempty"`

	// LateGrace lets recovery still fire items that are at most this late.
	LateGrace string `json:"late_grace,omitempty"`

	DeliveryTimeout string `json:"delivery_timeout,omitempty"`

	// RatePerSec bounds outbound deliveries.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls where scheduled items are persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/schedules.json" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/schedbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HealthConfig controls the liveness HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"; PORT env binds 0.0.0.0
	Pprof   bool   `json:"pprof,omitempty"`
}
