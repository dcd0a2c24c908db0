// Package scheduler runs cron-scheduled jobs such as the daily hub digest.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is a named unit of work fired on a cron expression.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context, tick time.Time) error
}

// Scheduler sleeps until the earliest next tick of its jobs and runs every
// job due at that tick. A file lock keeps two processes sharing a home
// directory from firing the same tick.
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	lock *FileLock

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a Scheduler guarded by the lock file at lockPath.
func New(lockPath string) *Scheduler {
	return &Scheduler{
		jobs:  make(map[string]*Job),
		lock:  NewFileLock(lockPath),
		now:   time.Now,
		after: time.After,
	}
}

// Register adds or replaces a job.
func (s *Scheduler) Register(job *Job) error {
	if job == nil || job.Run == nil || job.Name == "" {
		return fmt.Errorf("scheduler: incomplete job")
	}
	if !gronx.IsValid(job.Cron) {
		return fmt.Errorf("scheduler: job %s: invalid cron expression %q", job.Name, job.Cron)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("scheduler job registered", "name", job.Name, "cron", job.Cron)
	return nil
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "jobs", len(s.Jobs()))
	for {
		next, ok := s.nextTick(s.now())
		if !ok {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-s.after(next.Sub(s.now())):
			s.runDue(ctx, next)
		}
	}
}

// nextTick returns the earliest upcoming tick across all jobs.
func (s *Scheduler) nextTick(now time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best time.Time
	for _, job := range s.jobs {
		next, err := gronx.NextTickAfter(job.Cron, now, false)
		if err != nil {
			slog.Warn("scheduler next tick failed", "job", job.Name, "error", err)
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best, !best.IsZero()
}

// runDue fires every job whose expression matches tick.
func (s *Scheduler) runDue(ctx context.Context, tick time.Time) int {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("scheduler lock error", "error", err)
		return 0
	}
	if !acquired {
		slog.Debug("scheduler tick skipped: lock held by another process")
		return 0
	}
	defer s.lock.Unlock()

	gron := gronx.New()
	s.mu.RLock()
	due := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if ok, _ := gron.IsDue(job.Cron, tick); ok {
			due = append(due, job)
		}
	}
	s.mu.RUnlock()

	for _, job := range due {
		start := s.now()
		if err := job.Run(ctx, tick); err != nil {
			slog.Error("scheduler job failed", "job", job.Name, "error", err)
			continue
		}
		slog.Info("scheduler job done", "job", job.Name, "took", s.now().Sub(start))
	}
	return len(due)
}
