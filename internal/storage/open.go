package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"finsched/internal/registry"
	logx "finsched/pkg/logx"
)

// Store is the persistence API used by the scheduler core.
type Store interface {
	SaveJobDefinition(ctx context.Context, def registry.JobDefinition) error
	LoadJobDefinitions(ctx context.Context) ([]registry.JobDefinition, error)
	DeleteJobDefinition(ctx context.Context, id string) error

	AppendRunRecord(ctx context.Context, rec RunRecord) error
	// LoadRunHistory returns records for jobID (all jobs when jobID is empty)
	// newer than the window, oldest first.
	LoadRunHistory(ctx context.Context, jobID string, window time.Duration) ([]RunRecord, error)
	PruneRunRecords(ctx context.Context, before time.Time) error

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
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
