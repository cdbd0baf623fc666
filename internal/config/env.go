package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvToken = "TELEGRAM_TOKEN"
	EnvPort  = "PORT"
)

// LoadDotEnv loads KEY=VALUE pairs from a .env file into the process
// environment. Variables that are already set win. A missing file is not an
// error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// applyEnv overlays environment variables on a parsed config.
//   - TELEGRAM_TOKEN replaces telegram.token
//   - PORT enables the health endpoint on 0.0.0.0:$PORT unless health.addr is set
func applyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	if port := strings.TrimSpace(os.Getenv(EnvPort)); port != "" && strings.TrimSpace(cfg.Health.Addr) == "" {
		cfg.Health.Enabled = true
		cfg.Health.Addr = "0.0.0.0:" + port
	}
}
