package storage

import (
	"errors"
	"time"

	"wakecall/internal/schedule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, nothing survives a restart
//   - "file": JSONL journal + snapshot next to Path
//   - "sqlite": SQLite database file (modernc, WAL)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is re-exported for callers that only import storage.
type AuditEntry = schedule.AuditEntry
