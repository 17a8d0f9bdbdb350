package billing

import (
	"fmt"
	"time"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/resilience"
)

// Policy holds the tunable billing rules.
type Policy struct {
	// FailureThreshold consecutive failures move a subscription to past_due.
	FailureThreshold int `env:"BILLING_FAILURE_THRESHOLD" envDefault:"3"`
	// RetryBackoff is the delay before each scheduler retry.
	RetryBackoff []time.Duration `env:"BILLING_RETRY_BACKOFF" envDefault:"24h,72h,168h" envSeparator:","`
	MaxRetries   int             `env:"BILLING_MAX_RETRIES" envDefault:"3"`
	GracePeriod  time.Duration   `env:"BILLING_GRACE_PERIOD" envDefault:"168h"`
	// ChargeTimeout bounds the synchronous upgrade charge.
	ChargeTimeout time.Duration `env:"BILLING_CHARGE_TIMEOUT" envDefault:"10s"`
	// TransientRetryDelay is used when a retry charge had an unknown outcome.
	TransientRetryDelay time.Duration `env:"BILLING_TRANSIENT_RETRY_DELAY" envDefault:"1h"`
	SweepBatchSize      int           `env:"BILLING_SWEEP_BATCH_SIZE" envDefault:"100"`
	DedupCacheTTL       time.Duration `env:"BILLING_DEDUP_CACHE_TTL" envDefault:"10m"`
	// AuthorizationTimeout cancels a pending_authorization subscription the
	// gateway never confirmed.
	AuthorizationTimeout time.Duration `env:"BILLING_AUTHORIZATION_TIMEOUT" envDefault:"72h"`
}

func DefaultPolicy() Policy {
	const day = 24 * time.Hour
	return Policy{
		FailureThreshold:     3,
		RetryBackoff:         []time.Duration{day, 3 * day, 7 * day},
		MaxRetries:           3,
		GracePeriod:          7 * day,
		ChargeTimeout:        10 * time.Second,
		TransientRetryDelay:  time.Hour,
		SweepBatchSize:       100,
		DedupCacheTTL:        10 * time.Minute,
		AuthorizationTimeout: 3 * day,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.FailureThreshold < 1:
		return fmt.Errorf("%w: failure threshold must be at least 1", ErrInvalidPolicy)
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidPolicy)
	case p.MaxRetries > 0 && len(p.RetryBackoff) == 0:
		return fmt.Errorf("%w: retry backoff is required when retries are enabled", ErrInvalidPolicy)
	case p.GracePeriod <= 0:
		return fmt.Errorf("%w: grace period must be positive", ErrInvalidPolicy)
	case p.AuthorizationTimeout <= 0:
		return fmt.Errorf("%w: authorization timeout must be positive", ErrInvalidPolicy)
	case p.ChargeTimeout <= 0:
		return fmt.Errorf("%w: charge timeout must be positive", ErrInvalidPolicy)
	case p.SweepBatchSize <= 0:
		return fmt.Errorf("%w: sweep batch size must be positive", ErrInvalidPolicy)
	}
	for _, d := range p.RetryBackoff {
		if d <= 0 {
			return fmt.Errorf("%w: retry backoff steps must be positive", ErrInvalidPolicy)
		}
	}
	return nil
}

// Backoff returns the retry schedule: attempt n waits RetryBackoff[n-1],
// capped at the last step.
func (p Policy) Backoff() resilience.BackoffStrategy {
	return resilience.StepBackoff{Steps: p.RetryBackoff}
}
