package trigger

import (
	"context"
	"slices"
	"time"

	"wakecall/internal/eventbus"
	"wakecall/internal/schedule"
	logx "wakecall/pkg/logx"
)

// RecoveryDecision classifies a PENDING record found at startup.
//
// The expected instant is the persisted ArmedAt, or for a record that was
// never armed, the first instant after its last update. A future instant is
// simply armed. An instant at or before LastFiredAt was already delivered
// (the process stopped before the next instant was persisted) and is never
// delivered again. A missed ONE_SHOT fires now. A missed DAILY fires now
// unless the following cycle has also passed, in which case it is skipped and
// armed for the next future instant.
func RecoveryDecision(rec schedule.Record, loc *time.Location, now time.Time) (Decision, time.Time) {
	expected := rec.ArmedAt
	if expected.IsZero() && !rec.UpdatedAt.IsZero() {
		expected = schedule.NextInstant(rec.WakeTime, loc, rec.UpdatedAt)
	}
	if expected.IsZero() || expected.After(now) {
		return Arm, schedule.NextInstant(rec.WakeTime, loc, now)
	}
	if !rec.LastFiredAt.IsZero() && !rec.LastFiredAt.Before(expected) {
		return Arm, schedule.NextInstant(rec.WakeTime, loc, now)
	}
	if rec.Recurrence == schedule.Daily && !schedule.NextInstant(rec.WakeTime, loc, expected).After(now) {
		return Skip, schedule.NextInstant(rec.WakeTime, loc, now)
	}
	return FireNow, expected
}

type RecoveryReport struct {
	Armed   int
	Fired   int
	Skipped int
}

// Recover arms every PENDING record in the store.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	recs, err := s.store.List(ctx)
	if err != nil {
		return rep, err
	}
	for _, rec := range recs {
		if rec.Status != schedule.Pending {
			continue
		}
		e := s.entry(rec.ID)
		e.mu.Lock()
		switch s.recoverLocked(ctx, rec, e) {
		case FireNow:
			rep.Fired++
		case Skip:
			rep.Skipped++
		default:
			rep.Armed++
		}
		e.mu.Unlock()
	}
	s.syncAlarm(true)
	return rep, nil
}

// recoverLocked applies RecoveryDecision. Caller holds e.mu.
func (s *Service) recoverLocked(ctx context.Context, rec schedule.Record, e *entry) Decision {
	d, at := RecoveryDecision(rec, s.store.Location(rec), s.cfg.Now())
	switch d {
	case FireNow:
		s.log.Info("missed trigger; firing now", logx.String("id", rec.ID), logx.Time("instant", at))
		s.installLocked(ctx, rec.ID, e, at, true)
	case Skip:
		s.skipped.Add(1)
		s.log.Info("missed daily trigger skipped", logx.String("id", rec.ID), logx.Time("armed_at", rec.ArmedAt), logx.Time("next", at))
		eventbus.Emit(s.bus, eventbus.ScheduleSkipped, map[string]any{"id": rec.ID, "missed": rec.ArmedAt, "next": at})
		s.installLocked(ctx, rec.ID, e, at, false)
	default:
		s.installLocked(ctx, rec.ID, e, at, false)
	}
	return d
}

// Reconcile compares armed triggers with the store and repairs drift, such
// as records written by another process while the scheduler was running.
func (s *Service) Reconcile(ctx context.Context) error {
	recs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		seen[rec.ID] = struct{}{}
		s.reconcileOne(ctx, rec.ID)
	}

	s.emu.Lock()
	var orphans []string
	for id := range s.armed {
		if _, ok := seen[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	s.emu.Unlock()
	for _, id := range orphans {
		e := s.entry(id)
		e.mu.Lock()
		if !e.firing {
			s.abandonLocked(id, e, "deleted")
		}
		e.mu.Unlock()
	}

	s.syncAlarm(true)
	return nil
}

func (s *Service) reconcileOne(ctx context.Context, id string) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firing {
		return
	}
	// Re-read under the entry lock so a concurrent arm is not clobbered.
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return
	}
	armed := !e.at.IsZero()
	switch {
	case rec.Status != schedule.Pending:
		if armed {
			s.abandonLocked(id, e, rec.Status.String())
		}
	case !armed:
		s.recoverLocked(ctx, rec, e)
	case !rec.ArmedAt.Equal(e.at):
		at := schedule.NextInstant(rec.WakeTime, s.store.Location(rec), s.cfg.Now())
		s.log.Info("trigger drift repaired", logx.String("id", id), logx.Time("was", e.at), logx.Time("at", at))
		s.installLocked(ctx, id, e, at, false)
	}
}

func sortPending(p []Pending) {
	slices.SortFunc(p, func(a, b Pending) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
