package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"wakecall/internal/schedule"
	logx "wakecall/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the scheduler and the CLI serialize through busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, user_id, wake_time, timezone, recurrence, delivery_mode, destination, label,
	status, armed_at, last_fired_at, last_outcome, created_at, updated_at`

func (s *sqliteStore) PutSchedule(ctx context.Context, r schedule.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, wake_time=excluded.wake_time, timezone=excluded.timezone,
			recurrence=excluded.recurrence, delivery_mode=excluded.delivery_mode,
			destination=excluded.destination, label=excluded.label, status=excluded.status,
			armed_at=excluded.armed_at, last_fired_at=excluded.last_fired_at,
			last_outcome=excluded.last_outcome, created_at=excluded.created_at,
			updated_at=excluded.updated_at`,
		r.ID, r.UserID, r.WakeTime.String(), nullStr(r.Timezone), r.Recurrence.String(), r.Mode.String(),
		nullStr(r.Destination), nullStr(r.Label), r.Status.String(),
		nullMillis(r.ArmedAt), nullMillis(r.LastFiredAt), nullStr(r.LastOutcome.String()),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (schedule.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	r, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Record{}, schedule.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]schedule.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Record
	for rows.Next() {
		r, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(sc rowScanner) (schedule.Record, error) {
	var (
		r                        schedule.Record
		wake, rec, mode, status  string
		tz, dest, label, outcome sql.NullString
		armed, lastFired         sql.NullInt64
		created, updated         int64
	)
	if err := sc.Scan(&r.ID, &r.UserID, &wake, &tz, &rec, &mode, &dest, &label,
		&status, &armed, &lastFired, &outcome, &created, &updated); err != nil {
		return schedule.Record{}, err
	}
	var err error
	if r.WakeTime, err = schedule.ParseWakeTime(wake); err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %s: %w", r.ID, err)
	}
	if r.Recurrence, err = schedule.ParseRecurrence(rec); err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %s: %w", r.ID, err)
	}
	if r.Mode, err = schedule.ParseDeliveryMode(mode); err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %s: %w", r.ID, err)
	}
	if r.Status, err = schedule.ParseStatus(status); err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %s: %w", r.ID, err)
	}
	if err := r.LastOutcome.UnmarshalText([]byte(outcome.String)); err != nil {
		return schedule.Record{}, fmt.Errorf("schedule %s: %w", r.ID, err)
	}
	r.Timezone = tz.String
	r.Destination = dest.String
	r.Label = label.String
	r.ArmedAt = fromMillis(armed)
	r.LastFiredAt = fromMillis(lastFired)
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, schedule_id, user_id, action, detail) VALUES(?,?,?,?,?)`,
		e.Time.UnixMilli(), e.ScheduleID, nullStr(e.UserID), e.Action, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, scheduleID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT at, schedule_id, user_id, action, detail FROM audit`
	args := []any{}
	if scheduleID != "" {
		q += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e            AuditEntry
			at           int64
			user, detail sql.NullString
		)
		if err := rows.Scan(&at, &e.ScheduleID, &user, &e.Action, &detail); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(at)
		e.UserID = user.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
