// Package storage archives terminal jobs for cross-restart inspection.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "autopilot/pkg/logx"
)

// Store is the minimal persistence API consumed by the engine and the
// maintenance automations.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
