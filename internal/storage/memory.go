package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"wakecall/internal/schedule"
)

type memStore struct {
	mu     sync.Mutex
	closed bool
	recs   map[string]schedule.Record
	audit  []AuditEntry
	dedup  map[string]time.Time
}

func newMemory() *memStore {
	return &memStore{recs: map[string]schedule.Record{}, dedup: map[string]time.Time{}}
}

func (s *memStore) PutSchedule(_ context.Context, rec schedule.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) GetSchedule(_ context.Context, id string) (schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return schedule.Record{}, schedule.ErrNotFound
	}
	return r, nil
}

func (s *memStore) ListSchedules(context.Context) ([]schedule.Record, error) {
	s.mu.Lock()
	out := make([]schedule.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (s *memStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.recs, id)
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) ListAudit(_ context.Context, scheduleID string, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterAudit(s.audit, scheduleID, limit), nil
}

func (s *memStore) PruneAudit(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	for _, e := range s.audit {
		if !e.Time.Before(before) {
			kept = append(kept, e)
		}
	}
	n := len(s.audit) - len(kept)
	s.audit = kept
	return n, nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[strings.TrimSpace(key)]
	if !ok || until.Before(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortRecords(recs []schedule.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// filterAudit returns the newest limit entries for scheduleID, newest first.
func filterAudit(all []AuditEntry, scheduleID string, limit int) []AuditEntry {
	out := make([]AuditEntry, 0, 16)
	for i := len(all) - 1; i >= 0; i-- {
		if scheduleID != "" && all[i].ScheduleID != scheduleID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
