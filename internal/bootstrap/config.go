package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"perp_trader/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and layers environment
// checks on top of schema validation. An empty path yields the built-in
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	// The sqlite driver creates the database file but not its directory.
	if cfg.Store.Driver == "sqlite" {
		dir := filepath.Dir(databasePath(cfg.Store.DSN))
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("store.dsn directory does not exist: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("store.dsn parent %s is not a directory", dir)
		}
	}

	return nil
}

// databasePath strips go-sqlite3 DSN decorations (file: prefix and ?options)
// down to the filesystem path.
func databasePath(dsn string) string {
	path := dsn
	if len(path) > 5 && path[:5] == "file:" {
		path = path[5:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			return path[:i]
		}
	}
	return path
}
