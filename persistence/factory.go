package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/internal/database"
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type     StoreType       `yaml:"type" json:"type" env:"TYPE"`
	BaseDir  string          `yaml:"base_dir" json:"base_dir" env:"BASE_DIR"`
	Redis    RedisConfig     `yaml:"redis" json:"redis"`
	Database database.Config `yaml:"database" json:"database"`
}

// NewStateStore creates the backend named by cfg.Type. File is the default.
func NewStateStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (StateStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case StoreTypeFile, "":
		return NewFileStateStore(cfg.BaseDir, logger), nil
	case StoreTypeMemory:
		return NewMemoryStateStore(), nil
	case StoreTypeRedis:
		return NewRedisStateStore(cfg.Redis, logger)
	case StoreTypeSQL:
		pool, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStateStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
