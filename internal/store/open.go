package store

import (
	"fmt"

	"github.com/audrey/textai-server/internal/config"
)

// Open builds the Store selected by the storage configuration.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "file":
		return NewFileStore(cfg.DataDir, cfg.LockTimeout)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.LockTimeout)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
