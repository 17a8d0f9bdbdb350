package scheduler

import (
	"log/slog"
	"time"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCheckInterval sets how often the scheduler looks for due jobs.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocker makes every job take a distributed lock before running.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// JobOption configures a single job.
type JobOption func(*job)

// WithTimeout bounds a single run of the job.
func WithTimeout(d time.Duration) JobOption {
	return func(j *job) {
		j.timeout = d
	}
}

// WithLockTTL sets how long the distributed lock is held at most.
// Defaults to the job timeout, or ten minutes.
func WithLockTTL(d time.Duration) JobOption {
	return func(j *job) {
		j.lockTTL = d
	}
}

// RunOnStart makes the job due on the first check after Start.
func RunOnStart() JobOption {
	return func(j *job) {
		j.runOnStart = true
	}
}
