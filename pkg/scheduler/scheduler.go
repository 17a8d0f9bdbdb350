package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job is the unit of periodic work.
type Job func(ctx context.Context) error

// Locker is satisfied by redis.Locker.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

const defaultLockTTL = 10 * time.Minute

type job struct {
	name       string
	schedule   Schedule
	fn         Job
	timeout    time.Duration
	lockTTL    time.Duration
	runOnStart bool

	nextRun time.Time
	running bool
}

// Scheduler runs registered jobs when they are due.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*job
	interval time.Duration
	logger   *slog.Logger
	locker   Locker
	now      func() time.Time
	wg       sync.WaitGroup
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*job),
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob registers fn under a unique name.
func (s *Scheduler) AddJob(name string, schedule Schedule, fn Job, opts ...JobOption) error {
	if schedule == nil || fn == nil {
		return ErrInvalidSchedule
	}

	j := &job{name: name, schedule: schedule, fn: fn}
	for _, opt := range opts {
		opt(j)
	}
	if j.lockTTL <= 0 {
		j.lockTTL = j.timeout
	}
	if j.lockTTL <= 0 {
		j.lockTTL = defaultLockTTL
	}

	now := s.now()
	if j.runOnStart {
		j.nextRun = now
	} else {
		j.nextRun = schedule.Next(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return ErrJobAlreadyRegistered
	}
	s.jobs[name] = j

	s.logger.Info("registered periodic job",
		slog.String("job", name),
		slog.String("schedule", schedule.String()),
		slog.Time("next_run", j.nextRun))
	return nil
}

// Start checks for due jobs immediately and then on every tick until ctx is
// cancelled. It waits for running jobs before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	if count == 0 {
		return ErrSchedulerNotConfigured
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkJobs(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.checkJobs(ctx)
		}
	}
}

// Trigger runs a job now, regardless of its schedule, and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok && j.running {
		s.mu.Unlock()
		return nil
	}
	if ok {
		j.running = true
	}
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	s.wg.Add(1)
	return s.run(ctx, j)
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) checkJobs(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.running || now.Before(j.nextRun) {
			continue
		}
		j.running = true
		j.nextRun = j.schedule.Next(now)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func() {
			_ = s.run(ctx, j)
		}()
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	log := s.logger.With(slog.String("job", j.name))

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, j.name, j.lockTTL)
		if err != nil {
			log.ErrorContext(ctx, "failed to acquire job lock", slog.String("error", err.Error()))
			return err
		}
		if !ok {
			log.DebugContext(ctx, "job locked by another worker, skipping")
			return nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.WarnContext(ctx, "failed to release job lock", slog.String("error", err.Error()))
			}
		}()
	}

	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	started := s.now()
	err := s.safeRun(runCtx, j)
	elapsed := s.now().Sub(started)

	if err != nil {
		log.ErrorContext(ctx, "periodic job failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed))
		return err
	}
	log.InfoContext(ctx, "periodic job finished", slog.Duration("duration", elapsed))
	return nil
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Job: j.name, Value: r}
		}
	}()
	return j.fn(ctx)
}
