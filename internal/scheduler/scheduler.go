// Package scheduler runs periodic maintenance: sweeping expired cache
// entries, failing executions stranded by a crash, and compacting the
// database. Each task has its own cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaypoint/draftpipe/internal/store"
)

// Sweeper is the cache side of maintenance; satisfied by the semantic cache.
type Sweeper interface {
	Sweep() int
}

// Config holds the cron schedule per maintenance task. Standard five-field
// cron expressions.
type Config struct {
	SweepSchedule  string // default: every 5 minutes
	ReapSchedule   string // default: every 10 minutes
	VacuumSchedule string // default: daily at 03:00

	// StaleAfter is how long a running execution may go without completing
	// before the reaper marks it failed.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "*/5 * * * *"
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = "*/10 * * * *"
	}
	if c.VacuumSchedule == "" {
		c.VacuumSchedule = "0 3 * * *"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
}

// task is one scheduled maintenance action.
type task struct {
	name     string
	schedule cron.Schedule
	run      func(ctx context.Context)
	nextRun  time.Time
}

// Scheduler drives the maintenance tasks from a single ticker loop.
type Scheduler struct {
	store   store.Store
	sweeper Sweeper
	cfg     Config
	parser  cron.Parser
	logger  *slog.Logger

	mu     sync.Mutex
	tasks  []*task
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task names currently executing (dedup)
}

// NewScheduler creates a maintenance scheduler. sweeper may be nil when the
// semantic cache is disabled.
func NewScheduler(s store.Store, sweeper Sweeper, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	sched := &Scheduler{
		store:    s,
		sweeper:  sweeper,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}

	specs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context)
	}{
		{"cache_sweep", cfg.SweepSchedule, sched.sweepCache},
		{"reap_stale", cfg.ReapSchedule, sched.reapStale},
		{"vacuum", cfg.VacuumSchedule, sched.vacuum},
	}
	now := time.Now().UTC()
	for _, spec := range specs {
		parsed, err := sched.parser.Parse(spec.schedule)
		if err != nil {
			return nil, fmt.Errorf("parse %s schedule %q: %w", spec.name, spec.schedule, err)
		}
		sched.tasks = append(sched.tasks, &task{
			name:     spec.name,
			schedule: parsed,
			run:      spec.run,
			nextRun:  parsed.Next(now),
		})
	}

	return sched, nil
}

// Start launches the background maintenance loop with a 30s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("maintenance scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due task and advances its next-run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.nextRun.After(now) {
			t.nextRun = t.schedule.Next(now)
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if !s.tryAcquire(t.name) {
			continue // previous run still going
		}
		t.run(ctx)
		s.release(t.name)
	}
}

func (s *Scheduler) sweepCache(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	removed := s.sweeper.Sweep()
	if removed > 0 {
		s.logger.InfoContext(ctx, "swept expired cache entries", "removed", removed)
	}
}

func (s *Scheduler) reapStale(ctx context.Context) {
	reaped, err := s.store.ReapStaleExecutions(ctx, int64(s.cfg.StaleAfter.Seconds()))
	if err != nil {
		s.logger.ErrorContext(ctx, "reap stale executions failed", "error", err)
		return
	}
	if reaped > 0 {
		s.logger.WarnContext(ctx, "failed stranded executions", "count", reaped)
	}
}

func (s *Scheduler) vacuum(ctx context.Context) {
	if err := s.store.Vacuum(ctx); err != nil {
		s.logger.ErrorContext(ctx, "vacuum failed", "error", err)
	}
}

// tryAcquire returns true and marks the task as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun returns the next scheduled time for a named task, for
// observability endpoints. Zero time when the task is unknown.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t.nextRun
		}
	}
	return time.Time{}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("maintenance scheduler stopped")
	return nil
}
