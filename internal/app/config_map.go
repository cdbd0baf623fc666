package app

import (
	"strconv"
	"strings"
	"time"

	"schedbot/internal/config"
	"schedbot/internal/delivery"
	"schedbot/internal/health"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	telegram "schedbot/internal/transport/telegram/adapter"
	logx "schedbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	grace, err := config.ParseDurationField("scheduler.late_grace", cfg.Scheduler.LateGrace)
	if err != nil {
		return schedule.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.delivery_timeout", cfg.Scheduler.DeliveryTimeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{LateGrace: grace, DeliveryTimeout: timeout}, nil
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	rps := cfg.Scheduler.RatePerSec
	if rps == 0 {
		rps = 1
	}
	return delivery.Config{RatePerSec: rps}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapHealthConfig(cfg *config.Config) health.Config {
	return health.Config{
		Enabled: cfg.Health.Enabled,
		Addr:    strings.TrimSpace(cfg.Health.Addr),
		Pprof:   cfg.Health.Pprof,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChatID parses telegram.group_log. Zero disables the chat sink.
func logChatID(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// validateConfig gates hot reloads: a config that cannot be mapped is never
// committed.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	_, err := mapAdapterConfig(cfg)
	return err
}
