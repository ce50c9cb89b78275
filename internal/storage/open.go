package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"wakecall/internal/schedule"
	logx "wakecall/pkg/logx"
)

// Store is the persistence API used by the services.
type Store interface {
	schedule.Repository

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, scheduleID string, limit int) ([]AuditEntry, error)
	PruneAudit(ctx context.Context, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("storage")

	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
