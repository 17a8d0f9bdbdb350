package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/resilience"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/webhook"
)

const maxResponseSize = 1 << 20

// HTTPGateway talks to the payment gateway's JSON API. Requests are signed
// with the merchant secret and carry the caller's idempotency key.
type HTTPGateway struct {
	baseURL    *url.URL
	merchantID string
	secret     string
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

var _ billing.Gateway = (*HTTPGateway)(nil)

type HTTPOption func(*HTTPGateway)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.client = c
		}
	}
}

func WithLogger(l *slog.Logger) HTTPOption {
	return func(g *HTTPGateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithCircuitBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(g *HTTPGateway) {
		if cb != nil {
			g.breaker = cb
		}
	}
}

func NewHTTPGateway(cfg Config, opts ...HTTPOption) (*HTTPGateway, error) {
	if cfg.BaseURL == "" || cfg.SigningSecret == "" {
		return nil, fmt.Errorf("%w: base url and signing secret are required", ErrInvalidConfig)
	}
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	g := &HTTPGateway{
		baseURL:    u,
		merchantID: cfg.MerchantID,
		secret:     cfg.SigningSecret,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		breaker:    resilience.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitSuccessThreshold, cfg.CircuitRecoveryTimeout),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logger.Component("gateway"))
	return g, nil
}

type authorizeBody struct {
	MerchantID     string `json:"merchant_id,omitempty"`
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	PlanID         string `json:"plan_id"`
	Cycle          string `json:"cycle"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

type authorizeReply struct {
	Status          string     `json:"status"`
	MemberReference string     `json:"member_reference"`
	TransactionID   string     `json:"transaction_id"`
	NextPayDate     *time.Time `json:"next_pay_date"`
	DeclineReason   string     `json:"decline_reason"`
}

func (g *HTTPGateway) Authorize(ctx context.Context, req billing.AuthorizeRequest) (billing.AuthorizationResult, error) {
	var reply authorizeReply
	err := g.do(ctx, "/v1/authorizations", req.IdempotencyKey, authorizeBody{
		MerchantID:     g.merchantID,
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		PlanID:         req.PlanID,
		Cycle:          string(req.Cycle),
		Amount:         req.Amount,
		Currency:       req.Currency,
	}, &reply)
	if err != nil {
		return billing.AuthorizationResult{}, err
	}

	res := billing.AuthorizationResult{
		ExternalMemberReference: reply.MemberReference,
		TransactionID:           reply.TransactionID,
		NextPayDate:             reply.NextPayDate,
		DeclineReason:           reply.DeclineReason,
	}
	switch reply.Status {
	case "approved", "active":
		res.Outcome = billing.AuthorizationApproved
	case "pending":
		res.Outcome = billing.AuthorizationAwaiting
	case "denied", "declined":
		res.Outcome = billing.AuthorizationDenied
	default:
		return billing.AuthorizationResult{}, fmt.Errorf("%w: authorization status %q", ErrUnexpectedReply, reply.Status)
	}
	return res, nil
}

type chargeBody struct {
	MerchantID      string `json:"merchant_id,omitempty"`
	MemberReference string `json:"member_reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Description     string `json:"description,omitempty"`
}

type chargeReply struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	DeclineReason string `json:"decline_reason"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	var reply chargeReply
	err := g.do(ctx, "/v1/charges", req.IdempotencyKey, chargeBody{
		MerchantID:      g.merchantID,
		MemberReference: req.ExternalMemberReference,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Description:     req.Description,
	}, &reply)
	if err != nil {
		return billing.ChargeResult{}, err
	}

	res := billing.ChargeResult{TransactionID: reply.TransactionID, DeclineReason: reply.DeclineReason}
	switch reply.Status {
	case "succeeded", "success":
		res.Outcome = billing.ChargeSucceeded
	case "declined", "failed":
		res.Outcome = billing.ChargeDeclined
	default:
		return billing.ChargeResult{}, fmt.Errorf("%w: charge status %q", ErrUnexpectedReply, reply.Status)
	}
	return res, nil
}

func (g *HTTPGateway) CancelAuthorization(ctx context.Context, ref string) error {
	path := "/v1/authorizations/" + url.PathEscape(ref) + "/cancel"
	return g.do(ctx, path, "cancel:"+ref, struct {
		MerchantID string `json:"merchant_id,omitempty"`
	}{g.merchantID}, nil)
}

func (g *HTTPGateway) UpdateRecurringAmount(ctx context.Context, req billing.RecurringAmountRequest) error {
	path := "/v1/authorizations/" + url.PathEscape(req.ExternalMemberReference) + "/amount"
	return g.do(ctx, path, req.IdempotencyKey, struct {
		MerchantID string `json:"merchant_id,omitempty"`
		Amount     int64  `json:"amount"`
		Currency   string `json:"currency"`
	}{g.merchantID, req.Amount, req.Currency}, nil)
}

// do posts a signed JSON request. Declines are business outcomes: the
// gateway answers 402 with a regular reply body. Transport failures, 5xx,
// 408, 425 and 429 are transient and count against the circuit breaker.
func (g *HTTPGateway) do(ctx context.Context, path, idempotencyKey string, in, out any) error {
	if !g.breaker.Allow() {
		return errors.Join(billing.ErrGatewayUnavailable, resilience.ErrCircuitOpen)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Join(billing.ErrGatewayUnavailable, err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	sig, err := webhook.SignPayload(g.secret, body)
	if err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL.String()+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	sig.Apply(req.Header)

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.breaker.RecordFailure()
		return errors.Join(billing.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		g.breaker.RecordFailure()
		return errors.Join(billing.ErrGatewayUnavailable, err)
	}

	g.logger.DebugContext(ctx, "gateway call",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		logger.Duration(time.Since(started)))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusPaymentRequired:
		g.breaker.RecordSuccess()
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Join(ErrUnexpectedReply, err)
		}
		return nil
	case transientStatus(resp.StatusCode):
		g.breaker.RecordFailure()
		return fmt.Errorf("%w: %s returned %d", billing.ErrGatewayUnavailable, path, resp.StatusCode)
	default:
		g.breaker.RecordSuccess()
		return fmt.Errorf("%w: %s returned %d: %s", ErrRequestRejected, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
