package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a periodic job should run next.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type intervalSchedule struct {
	every time.Duration
}

// Every runs a job at a fixed interval. Non-positive durations fall back to one minute.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Minute
	}
	return intervalSchedule{every: d}
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

type cronSchedule struct {
	spec  string
	inner cron.Schedule
}

// Cron parses a standard five-field cron expression or a descriptor such as
// "@every 2h" or "@daily".
func Cron(spec string) (Schedule, error) {
	inner, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	return cronSchedule{spec: spec, inner: inner}, nil
}

// MustCron is Cron that panics on an invalid expression.
func MustCron(spec string) Schedule {
	s, err := Cron(spec)
	if err != nil {
		panic(err)
	}
	return s
}

func (s cronSchedule) Next(from time.Time) time.Time {
	return s.inner.Next(from)
}

func (s cronSchedule) String() string {
	return "cron " + s.spec
}
