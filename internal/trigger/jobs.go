package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "wakecall/pkg/logx"
)

type job struct {
	name string
	spec string
	fn   func(ctx context.Context) error
	id   cron.EntryID
}

// AddJob registers a maintenance job on the scheduler's cron, for example a
// daily audit prune. Jobs added before Start are scheduled on Start.
func (s *Service) AddJob(name, spec string, fn func(ctx context.Context) error) error {
	spec = strings.TrimSpace(spec)
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, fn: fn})
	if s.running && s.c != nil {
		s.scheduleJobLocked(&s.jobs[len(s.jobs)-1])
	}
	return nil
}

func (s *Service) hasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return true
		}
	}
	return false
}

func (s *Service) scheduleJobLocked(j *job) {
	if j.id != 0 {
		return
	}
	sup := s.sup
	name, fn := j.name, j.fn
	id, err := s.c.AddFunc(j.spec, func() {
		if sup.Context().Err() != nil {
			return
		}
		start := time.Now()
		if err := fn(sup.Context()); err != nil {
			s.log.Warn("job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	})
	if err != nil {
		s.log.Error("schedule job failed", logx.String("job", name), logx.Err(err))
		return
	}
	j.id = id
}
