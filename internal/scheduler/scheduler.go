// Package scheduler starts unattended queue runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerFunc is called when a job fires. It reports whether a run was
// started; false means the queue was busy or paused and the tick is dropped.
type TriggerFunc func(job string) (started bool, err error)

// Scheduler manages named cron jobs that trigger queue runs.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]cron.EntryID
	trigger TriggerFunc
	logger  *slog.Logger
}

// New creates a new scheduler.
func New(trigger TriggerFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		jobs:    make(map[string]cron.EntryID),
		trigger: trigger,
		logger:  logger,
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// AddJob registers a schedule under name, replacing any job with that name.
// The schedule is a standard 5-field cron expression or a descriptor such
// as @hourly or @every 30m.
func (s *Scheduler) AddJob(name, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() { s.fire(name) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// RemoveJob removes the named job. It reports whether one existed.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobs[name]
	if ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	return ok
}

// Next returns the next activation of the named job. It is zero until the
// scheduler has been started.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) fire(name string) {
	started, err := s.trigger(name)
	switch {
	case err != nil:
		s.logger.Error("scheduled run failed to start", "job", name, "error", err)
	case started:
		s.logger.Info("scheduled run started", "job", name)
	default:
		s.logger.Info("scheduled run skipped, queue busy", "job", name)
	}
}
