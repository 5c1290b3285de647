// Package scheduler runs cleanup and prune on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a scheduled operation
type Job func(ctx context.Context) error

// Scheduler owns one cron instance with named jobs. Jobs are added or
// replaced through Set; an empty schedule removes the job.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[string]scheduled
	ctx     context.Context
	running bool
}

type scheduled struct {
	id   cron.EntryID
	spec string
}

// New creates a scheduler. Jobs never run concurrently with themselves;
// a run that is due while the previous one is still going is skipped.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]scheduled),
		ctx:     context.Background(),
	}
}

// Set schedules job under name using a standard cron expression. Setting the
// same name again replaces the previous schedule; an empty spec removes it.
func (s *Scheduler) Set(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[name]; ok {
		if cur.spec == spec {
			return nil
		}
		s.cron.Remove(cur.id)
		delete(s.entries, name)
		s.logger.Info("schedule removed", "job", name, "schedule", cur.spec)
	}

	if spec == "" {
		return nil
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", spec, name, err)
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runJob(name, job)
	}))
	s.entries[name] = scheduled{id: id, spec: spec}
	s.logger.Info("schedule set", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) runJob(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("starting scheduled job", "job", name)
	if err := job(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job completed", "job", name, "duration", time.Since(start))
}

// Start starts the cron loop. It stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx = ctx
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.entries))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the scheduler and waits for running jobs to complete
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun describes the next activation of a job
type NextRun struct {
	Job      string    `json:"job"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
}

// NextRuns lists the next activation of every job, ordered by job name.
// Before Start the next time is computed from now.
func (s *Scheduler) NextRuns() []NextRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]NextRun, 0, len(s.entries))
	for name, e := range s.entries {
		entry := s.cron.Entry(e.id)
		next := entry.Next
		if next.IsZero() && entry.Schedule != nil {
			next = entry.Schedule.Next(time.Now())
		}
		runs = append(runs, NextRun{Job: name, Schedule: e.spec, Next: next})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Job < runs[j].Job })
	return runs
}
