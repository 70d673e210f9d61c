package app

import (
	"fmt"
	"strings"
	"time"

	"habitping/internal/storage"
)

// DefaultStoragePath is used when the storage section is omitted. The
// preference record must survive restarts, so there is no in-memory default.
const DefaultStoragePath = "./habitping_store"

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: DefaultStoragePath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = DefaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Addr: sc.Addr, Password: sc.Password, DB: sc.DB, Prefix: sc.Prefix}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
