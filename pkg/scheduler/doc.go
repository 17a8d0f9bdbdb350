// Package scheduler runs named periodic jobs in-process.
//
// Each job has a Schedule (a fixed interval or a cron expression). The
// scheduler wakes up every check interval, starts the jobs that are due and
// never runs two instances of the same job at once in one process. With a
// Locker configured, a job also takes a distributed lock so that only one
// worker across the fleet runs it per slot; workers that lose the race skip
// the run.
//
//	s := scheduler.New(scheduler.WithLogger(log), scheduler.WithLocker(locker))
//	_ = s.AddJob("billing.retries", scheduler.Every(2*time.Hour), svc.RunRetries)
//	err := s.Start(ctx)
package scheduler
