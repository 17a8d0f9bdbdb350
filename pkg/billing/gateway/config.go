package gateway

import (
	"fmt"
	"time"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
)

// Config configures the gateway adapters.
type Config struct {
	// Driver selects the adapter: "http" or "sandbox".
	Driver string `env:"GATEWAY_DRIVER" envDefault:"sandbox"`

	BaseURL       string        `env:"GATEWAY_BASE_URL"`
	MerchantID    string        `env:"GATEWAY_MERCHANT_ID"`
	SigningSecret string        `env:"GATEWAY_SIGNING_SECRET"`
	Timeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	RateLimit float64 `env:"GATEWAY_RATE_LIMIT" envDefault:"20"`
	RateBurst int     `env:"GATEWAY_RATE_BURST" envDefault:"40"`

	CircuitFailureThreshold int           `env:"GATEWAY_CIRCUIT_FAILURES" envDefault:"5"`
	CircuitSuccessThreshold int           `env:"GATEWAY_CIRCUIT_SUCCESSES" envDefault:"2"`
	CircuitRecoveryTimeout  time.Duration `env:"GATEWAY_CIRCUIT_RECOVERY" envDefault:"30s"`

	// WebhookScheme selects webhook verification: "signed" or "paddle".
	WebhookScheme string        `env:"WEBHOOK_SCHEME" envDefault:"signed"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	WebhookMaxAge time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"5m"`
}

const (
	DriverHTTP    = "http"
	DriverSandbox = "sandbox"

	SchemeSigned = "signed"
	SchemePaddle = "paddle"
)

// New builds the gateway selected by cfg.Driver.
func New(cfg Config, opts ...HTTPOption) (billing.Gateway, error) {
	switch cfg.Driver {
	case "", DriverSandbox:
		return NewSandbox(), nil
	case DriverHTTP:
		g, err := NewHTTPGateway(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
