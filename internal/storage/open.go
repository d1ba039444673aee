package storage

import (
	"context"
	"errors"
	"strings"
	logx "trackbot/pkg/logx"
)

// Open initializes the configured store. The tracker cannot run without
// durable state, so an empty driver is an error rather than a nil store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "", "none":
		return nil, errors.New("storage driver is required (sqlite or postgres)")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
