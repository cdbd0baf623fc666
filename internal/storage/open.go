package storage

import (
	"errors"
	"strings"

	"github.com/spf13/afero"

	logx "schedbot/pkg/logx"
)

const (
	DefaultFilePath   = "./data/schedules.json"
	DefaultSQLitePath = "./data/schedules.db"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driverName(driver)))

	switch driver {
	case "", "file", "json":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = DefaultFilePath
		}
		return NewFileStore(afero.NewOsFs(), path, log), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "file"
	}
	return d
}
