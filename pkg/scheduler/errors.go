package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrJobAlreadyRegistered   = errors.New("job already registered")
	ErrSchedulerNotConfigured = errors.New("scheduler has no jobs")
	ErrInvalidSchedule        = errors.New("invalid schedule")
	ErrJobNotFound            = errors.New("job not found")
)

// PanicError wraps a panic recovered from a job.
type PanicError struct {
	Job   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.Job, e.Value)
}
