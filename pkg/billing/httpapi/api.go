// Package httpapi exposes the subscription management API and the gateway
// webhook endpoint over HTTP.
//
// Callers are identified by the X-User-ID header, which the upstream auth
// proxy sets after authenticating the session. Every response except the
// webhook acknowledgment uses the {data, meta, error} JSON envelope.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/httpserver"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

const (
	defaultAckBody  = "1|OK"
	defaultNackBody = "0|ERROR"
)

type API struct {
	svc      *billing.Service
	ingestor *billing.Ingestor
	logger   *slog.Logger
	validate *validator.Validate

	checks       []httpserver.Check
	gatherer     prometheus.Gatherer
	ackBody      string
	nackBody     string
	readyTimeout time.Duration
}

type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithReadinessChecks adds probes to /health/ready.
func WithReadinessChecks(checks ...httpserver.Check) Option {
	return func(a *API) {
		a.checks = append(a.checks, checks...)
	}
}

// WithGatherer exposes the registry at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

// WithWebhookAck sets the bodies written on webhook success and failure.
func WithWebhookAck(ack, nack string) Option {
	return func(a *API) {
		if ack != "" {
			a.ackBody = ack
		}
		if nack != "" {
			a.nackBody = nack
		}
	}
}

func New(svc *billing.Service, ingestor *billing.Ingestor, opts ...Option) *API {
	a := &API{
		svc:          svc,
		ingestor:     ingestor,
		logger:       slog.Default(),
		validate:     newValidator(),
		ackBody:      defaultAckBody,
		nackBody:     defaultNackBody,
		readyTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(a.logger, a.readyTimeout, a.checks...))
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	if a.ingestor != nil {
		r.Post("/webhooks/gateway", a.webhook)
	}

	r.Route("/subscriptions", func(r chi.Router) {
		r.Use(a.requireUser)
		r.Post("/", a.create)
		r.Get("/current", a.current)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.get)
			r.Post("/upgrade", a.upgrade)
			r.Post("/downgrade", a.downgrade)
			r.Post("/cancel", a.cancel)
			r.Post("/reactivate", a.reactivate)
			r.Get("/billing-history", a.billingHistory)
		})
	})
	return r
}
