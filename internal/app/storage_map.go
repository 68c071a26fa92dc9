package app

import (
	"fmt"
	"strings"
	"time"

	"relbot/internal/store"
)

// defaultStorePath is used when the storage section is omitted entirely.
const defaultStorePath = "./relbot_store"

func mapStoreConfig(cfg *Config) (store.Config, error) {
	out := store.Config{Driver: "file", Path: defaultStorePath}
	if cfg == nil || cfg.Storage == nil {
		return out, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path != "" {
			out.Path = path
		}
		return out, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
