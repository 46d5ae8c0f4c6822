package state

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.Driver {
	case "json":
		return NewJSONStore(cfg.StateDir, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "memory":
		return NewMockStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
