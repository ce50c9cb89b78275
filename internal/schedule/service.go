package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wakecall/internal/faults"
	logx "wakecall/pkg/logx"
)

var ErrNotFound = errors.New("schedule not found")

// Repository is the persistence boundary.
type Repository interface {
	PutSchedule(ctx context.Context, rec Record) error
	GetSchedule(ctx context.Context, id string) (Record, error)
	ListSchedules(ctx context.Context) ([]Record, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Auditor receives the audit trail. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Listener is told about mutations that affect pending triggers. Calls are
// made after the store lock is released.
type Listener interface {
	ScheduleChanged(id string)
	ScheduleCancelled(id string)
}

// Directory resolves a user's registered phone number.
type Directory interface {
	PhoneNumber(userID string) (string, bool)
}

type Config struct {
	// Timezone applies to records without their own zone. Empty means Local.
	Timezone string
	Now      func() time.Time
}

// Request is a user scheduling action.
type Request struct {
	UserID      string
	WakeTime    string
	Timezone    string
	Recurrence  Recurrence
	Mode        DeliveryMode
	Destination string
	Label       string
}

// Service is the schedule store: the source of truth for what must fire.
type Service struct {
	mu sync.Mutex

	repo  Repository
	audit Auditor
	dir   Directory
	log   logx.Logger
	now   func() time.Time
	loc   *time.Location

	lmu      sync.RWMutex
	listener Listener
}

func New(cfg Config, repo Repository, dir Directory, log logx.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("schedule: nil repository")
	}
	loc, err := LoadLocation(cfg.Timezone, nil)
	if err != nil {
		return nil, fmt.Errorf("schedule: timezone %q: %w", cfg.Timezone, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{repo: repo, dir: dir, log: log.Component("schedule"), now: now, loc: loc}
	if a, ok := repo.(Auditor); ok {
		s.audit = a
	}
	return s, nil
}

func (s *Service) SetListener(l Listener) {
	s.lmu.Lock()
	s.listener = l
	s.lmu.Unlock()
}

func (s *Service) notify(changed bool, cancelled bool, id string) {
	s.lmu.RLock()
	l := s.listener
	s.lmu.RUnlock()
	if l == nil {
		return
	}
	switch {
	case cancelled:
		l.ScheduleCancelled(id)
	case changed:
		l.ScheduleChanged(id)
	}
}

// DefaultLocation is the zone for records without their own.
func (s *Service) DefaultLocation() *time.Location { return s.loc }

// Location resolves the zone a record's wake time is read in.
func (s *Service) Location(rec Record) *time.Location {
	loc, err := LoadLocation(rec.Timezone, s.loc)
	if err != nil {
		return s.loc
	}
	return loc
}

// Schedule validates a request and stores a new PENDING record.
func (s *Service) Schedule(ctx context.Context, req Request) (Record, error) {
	rec := Record{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(req.UserID),
		Timezone:    strings.TrimSpace(req.Timezone),
		Recurrence:  req.Recurrence,
		Mode:        req.Mode,
		Destination: strings.TrimSpace(req.Destination),
		Label:       strings.TrimSpace(req.Label),
		Status:      Pending,
	}
	wt, err := ParseWakeTime(req.WakeTime)
	if err != nil {
		return Record{}, faults.Validation("wake_time", err)
	}
	rec.WakeTime = wt
	if rec.Mode == RemoteCall && rec.Destination == "" && s.dir != nil {
		if phone, ok := s.dir.PhoneNumber(rec.UserID); ok {
			rec.Destination = phone
		}
	}
	return s.Put(ctx, rec)
}

// Validate checks the fields a trigger depends on.
func Validate(rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return faults.Validationf("id", "empty schedule id")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return faults.Validationf("user", "empty user")
	}
	if !rec.WakeTime.Valid() {
		return faults.Validationf("wake_time", "invalid wake time %02d:%02d", rec.WakeTime.Hour, rec.WakeTime.Minute)
	}
	if rec.Recurrence != OneShot && rec.Recurrence != Daily {
		return faults.Validationf("recurrence", "unsupported recurrence %d", int(rec.Recurrence))
	}
	switch rec.Mode {
	case LocalInterrupt:
	case RemoteCall:
		if strings.TrimSpace(rec.Destination) == "" {
			return faults.Validationf("destination", "no destination number for user %q", rec.UserID)
		}
	default:
		return faults.Validationf("delivery_mode", "unsupported delivery mode %d", int(rec.Mode))
	}
	switch rec.Status {
	case Pending, Fired, Cancelled:
	default:
		return faults.Validationf("status", "unsupported status %d", int(rec.Status))
	}
	if _, err := LoadLocation(rec.Timezone, nil); err != nil {
		return faults.Validation("timezone", err)
	}
	return nil
}

// Put inserts or replaces a record, idempotent by id.
//
// Scheduler bookkeeping (armed instant, last fire) is carried over from the
// stored copy unless the trigger fields changed.
func (s *Service) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.Status == 0 {
		rec.Status = Pending
	}
	if err := Validate(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	prev, err := s.repo.GetSchedule(ctx, rec.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("schedule: get %s: %w", rec.ID, err)
	}

	now := s.now()
	rec.UpdatedAt = now
	if exists {
		rec.CreatedAt = prev.CreatedAt
		rec.LastFiredAt = prev.LastFiredAt
		rec.LastOutcome = prev.LastOutcome
		if !triggerChanged(prev, rec) && prev.Status == rec.Status {
			rec.ArmedAt = prev.ArmedAt
		} else {
			rec.ArmedAt = time.Time{}
		}
	} else {
		rec.CreatedAt = now
		rec.ArmedAt = time.Time{}
	}

	if err := s.repo.PutSchedule(ctx, rec); err != nil {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("schedule: put %s: %w", rec.ID, err)
	}
	s.mu.Unlock()

	var changed, cancelled bool
	switch {
	case rec.Status == Cancelled:
		cancelled = !exists || prev.Status != Cancelled
	case rec.Status == Pending:
		changed = !exists || prev.Status != Pending || triggerChanged(prev, rec)
	}

	action := "put"
	if !exists {
		action = "create"
	}
	s.appendAudit(ctx, rec, action, fmt.Sprintf("%s %s %s %s", rec.WakeTime, rec.Recurrence, rec.Mode, rec.Status))
	s.log.Debug("schedule stored",
		logx.String("id", rec.ID),
		logx.String("user", rec.UserID),
		logx.String("wake", rec.WakeTime.String()),
		logx.String("status", rec.Status.String()),
		logx.Bool("retrigger", changed),
	)
	s.notify(changed, cancelled, rec.ID)
	return rec, nil
}

// Cancel marks a record CANCELLED and tells the scheduler to abandon it.
// Cancelling an already cancelled record is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	rec, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	if rec.Status == Cancelled {
		s.mu.Unlock()
		return rec, nil
	}
	rec.Status = Cancelled
	rec.ArmedAt = time.Time{}
	rec.UpdatedAt = s.now()
	if err := s.repo.PutSchedule(ctx, rec); err != nil {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("schedule: cancel %s: %w", id, err)
	}
	s.mu.Unlock()

	s.appendAudit(ctx, rec, "cancel", "")
	s.log.Info("schedule cancelled", logx.String("id", id), logx.String("user", rec.UserID))
	s.notify(false, true, id)
	return rec, nil
}

// Delete cancels a record and removes it from the store.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Cancel(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.repo.DeleteSchedule(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("schedule: delete %s: %w", id, err)
	}
	s.appendAudit(ctx, Record{ID: id}, "delete", "")
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.GetSchedule(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	all, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.repo.ListSchedules(ctx)
}

// RecordArmed persists the pending instant the scheduler installed. It does
// not notify the listener. A record that is no longer PENDING is left alone.
func (s *Service) RecordArmed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != Pending || rec.ArmedAt.Equal(at) {
		return nil
	}
	rec.ArmedAt = at
	return s.repo.PutSchedule(ctx, rec)
}

// RecordFired applies the post-delivery transition for a fire at instant.
//
// ONE_SHOT moves PENDING to FIRED. DAILY stays PENDING. A record cancelled
// or re-armed for another instant while the delivery was in flight keeps its
// status. The returned record is the stored state after the update.
func (s *Service) RecordFired(ctx context.Context, id string, instant time.Time, outcome Outcome) (Record, error) {
	s.mu.Lock()
	rec, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	rec.LastFiredAt = instant
	rec.LastOutcome = outcome
	rec.UpdatedAt = s.now()
	sameInstant := rec.ArmedAt.IsZero() || rec.ArmedAt.Equal(instant)
	if rec.Status == Pending && rec.Recurrence == OneShot && sameInstant {
		rec.Status = Fired
		rec.ArmedAt = time.Time{}
	}
	if err := s.repo.PutSchedule(ctx, rec); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	s.mu.Unlock()

	s.appendAudit(ctx, rec, "fired", outcome.String())
	return rec, nil
}

func (s *Service) appendAudit(ctx context.Context, rec Record, action, detail string) {
	if s.audit == nil {
		return
	}
	e := AuditEntry{Time: s.now(), ScheduleID: rec.ID, UserID: rec.UserID, Action: action, Detail: detail}
	if err := s.audit.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("id", rec.ID), logx.Err(err))
	}
}
