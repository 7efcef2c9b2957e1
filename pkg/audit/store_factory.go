package audit

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig holds the parameters needed to create a Store backend.
type StoreConfig struct {
	Backend    string // "file", "sqlite"
	DataDir    string // Base data directory (used for both backends' default paths)
	SQLitePath string // Explicit SQLite path (overrides DataDir default)
}

// NewStore creates the appropriate Store implementation based on config.
//
// Backends:
//   - "file"   — append-only JSONL file (default, simplest to tail/ship to SIEM)
//   - "sqlite" — single-file durable store with indexed queries
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.DataDir
		if dir == "" {
			dir = "."
		}
		logger.Info("audit store: using file backend", "dir", dir)
		return NewFileStore(dir), nil

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires sqlite_path or data_dir")
			}
			dbPath = filepath.Join(cfg.DataDir, "audit.db")
		}
		logger.Info("audit store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	default:
		return nil, fmt.Errorf("unknown audit store backend: %q (supported: file, sqlite)", cfg.Backend)
	}
}
