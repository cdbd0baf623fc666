package app

import (
	"context"
	"time"

	"schedbot/internal/config"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

// ListSchedules reads the persisted items without starting the bot. Nothing
// is armed and nothing is sent. Storage warnings go to the console.
func ListSchedules(ctx context.Context, cfgPath string) ([]schedule.ItemInfo, *time.Location, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(scfg, logx.NewConsole("warn"))
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	items, err := schedule.New(store, nil, schedule.Config{}).List(ctx)
	if err != nil {
		return nil, nil, err
	}
	return items, loc, nil
}
