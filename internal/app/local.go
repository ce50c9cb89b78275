package app

import (
	"errors"
	"fmt"
	"strings"

	"wakecall/internal/config"
	"wakecall/internal/schedule"
	"wakecall/internal/storage"
	"wakecall/internal/users"
	logx "wakecall/pkg/logx"
)

// ErrVolatileStore is returned by Local.Writable when the configured store
// lives only in the daemon's memory.
var ErrVolatileStore = errors.New("storage.driver is memory; a running daemon would never see this change")

// Local opens the schedule store without starting the daemon. CLI commands
// use it; a daemon on the same sqlite database sees their changes on its next
// reconcile sweep.
type Local struct {
	Config    *config.Config
	Store     storage.Store
	Users     *users.Directory
	Schedules *schedule.Service
}

func OpenLocal(cfgPath string, log logx.Logger) (*Local, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	dir := users.New(mapUsers(cfg))
	svc, err := schedule.New(schedule.Config{Timezone: cfg.Scheduler.Timezone}, st, dir, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Local{Config: cfg, Store: st, Users: dir, Schedules: svc}, nil
}

// Writable reports whether mutations reach the daemon. The file driver only
// loads its journal at startup, so changes there apply after a restart.
func (l *Local) Writable() (restartNeeded bool, err error) {
	switch strings.ToLower(strings.TrimSpace(l.Config.Storage.Driver)) {
	case "", "none", "memory":
		return false, ErrVolatileStore
	case "file":
		return true, nil
	default:
		return false, nil
	}
}

func (l *Local) Close() error { return l.Store.Close() }
