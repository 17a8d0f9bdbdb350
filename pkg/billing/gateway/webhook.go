package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/webhook"
)

// Field names of the gateway's flat webhook payload.
const (
	FieldEventID         = "external_event_id"
	FieldEventType       = "event_type"
	FieldAmount          = "amount"
	FieldCurrency        = "currency"
	FieldTimestamp       = "timestamp"
	FieldSubscriptionID  = "subscription_id"
	FieldMemberReference = "member_reference"
	FieldTransactionID   = "transaction_id"
	FieldFailureReason   = "failure_reason"
	FieldPeriodStart     = "period_start"
	FieldIdempotencyKey  = "idempotency_key"
	FieldSignature       = "signature"
)

// SignedVerifier accepts either a header-signed body (X-Webhook-Signature
// and X-Webhook-Timestamp) or a payload carrying a "signature" field over
// its other fields.
type SignedVerifier struct {
	Secret string
	MaxAge time.Duration
}

func (v SignedVerifier) Verify(_ context.Context, in billing.InboundWebhook) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	if webhook.HasSignatureHeaders(in.Header) {
		sig, err := webhook.ExtractSignatureHeaders(in.Header)
		if err != nil {
			return err
		}
		return webhook.VerifySignature(v.Secret, in.Payload, sig, v.MaxAge)
	}

	fields, err := Fields(in)
	if err != nil {
		return err
	}
	if err := webhook.VerifyFields(v.Secret, fields, FieldSignature); err != nil {
		return err
	}
	if v.MaxAge > 0 {
		ts, err := parseTime(fields[FieldTimestamp])
		if err != nil || ts.IsZero() {
			return fmt.Errorf("%w: timestamp is required", webhook.ErrInvalidPayload)
		}
		if time.Since(ts) > v.MaxAge {
			return webhook.ErrSignatureExpired
		}
	}
	return nil
}

// Fields flattens a JSON object or form body into string fields.
func Fields(in billing.InboundWebhook) (map[string]string, error) {
	if isForm(in.ContentType) {
		values, err := url.ParseQuery(string(in.Payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", webhook.ErrInvalidPayload, err)
		}
		fields := make(map[string]string, len(values))
		for k := range values {
			fields[k] = values.Get(k)
		}
		return fields, nil
	}

	dec := json.NewDecoder(bytes.NewReader(in.Payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", webhook.ErrInvalidPayload, err)
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("%w: field %q is not a scalar", webhook.ErrInvalidPayload, k)
		}
	}
	return fields, nil
}

func isForm(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/x-www-form-urlencoded"
}

// FieldDecoder decodes the flat webhook payload.
type FieldDecoder struct{}

func (FieldDecoder) Decode(in billing.InboundWebhook) (billing.GatewayEvent, error) {
	fields, err := Fields(in)
	if err != nil {
		return billing.GatewayEvent{}, err
	}
	evt := billing.GatewayEvent{
		ID:                      fields[FieldEventID],
		Type:                    fields[FieldEventType],
		Currency:                strings.ToUpper(fields[FieldCurrency]),
		SubscriptionID:          fields[FieldSubscriptionID],
		ExternalMemberReference: fields[FieldMemberReference],
		TransactionID:           fields[FieldTransactionID],
		FailureReason:           fields[FieldFailureReason],
		IdempotencyKey:          fields[FieldIdempotencyKey],
	}
	if evt.Type == "" {
		return billing.GatewayEvent{}, fmt.Errorf("%w: %s is required", ErrUnknownEvent, FieldEventType)
	}
	if s := fields[FieldAmount]; s != "" {
		if evt.Amount, err = strconv.ParseInt(s, 10, 64); err != nil {
			return billing.GatewayEvent{}, fmt.Errorf("%w: invalid amount %q", ErrUnknownEvent, s)
		}
	}
	if evt.Timestamp, err = parseTime(fields[FieldTimestamp]); err != nil {
		return billing.GatewayEvent{}, err
	}
	if s := fields[FieldPeriodStart]; s != "" {
		ps, err := parseTime(s)
		if err != nil {
			return billing.GatewayEvent{}, err
		}
		evt.PeriodStart = &ps
	}
	return evt, nil
}

// parseTime accepts unix seconds or RFC 3339; empty is the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", ErrUnknownEvent, s)
	}
	return t.UTC(), nil
}

// PaddleVerifier checks the Paddle-Signature header with the Paddle SDK.
type PaddleVerifier struct {
	verifier *paddle.WebhookVerifier
}

func NewPaddleVerifier(secret string) (*PaddleVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: paddle webhook secret is required", ErrInvalidConfig)
	}
	return &PaddleVerifier{verifier: paddle.NewWebhookVerifier(secret)}, nil
}

func (v *PaddleVerifier) Verify(ctx context.Context, in billing.InboundWebhook) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(in.Payload))
	if err != nil {
		return fmt.Errorf("failed to build verification request: %w", err)
	}
	sig := in.Header.Get("Paddle-Signature")
	if sig == "" {
		return webhook.ErrMissingSignature
	}
	req.Header.Set("Paddle-Signature", sig)

	ok, err := v.verifier.Verify(req)
	if err != nil {
		return errors.Join(webhook.ErrSignatureMismatch, err)
	}
	if !ok {
		return webhook.ErrSignatureMismatch
	}
	return nil
}

// PaddleDecoder maps Paddle notifications to gateway events. The billing
// subscription id travels in custom_data.subscription_id; the Paddle
// subscription id is the member reference.
type PaddleDecoder struct{}

type paddleNotification struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       paddleEntry `json:"data"`
}

type paddleEntry struct {
	ID                   string          `json:"id"`
	SubscriptionID       string          `json:"subscription_id"`
	CurrencyCode         string          `json:"currency_code"`
	CustomData           map[string]any  `json:"custom_data"`
	BillingPeriod        *paddlePeriod   `json:"billing_period"`
	CurrentBillingPeriod *paddlePeriod   `json:"current_billing_period"`
	Details              *paddleDetails  `json:"details"`
	Payments             []paddlePayment `json:"payments"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
}

type paddleDetails struct {
	Totals paddleTotals `json:"totals"`
}

type paddleTotals struct {
	Total string `json:"total"`
}

type paddlePayment struct {
	ErrorCode string `json:"error_code"`
}

var paddleEventTypes = map[string]string{
	"transaction.completed":      billing.EventTypePaymentSuccess,
	"transaction.paid":           billing.EventTypePaymentSuccess,
	"transaction.payment_failed": billing.EventTypePaymentFailure,
	"subscription.canceled":      billing.EventTypeAuthorizationCancelled,
	"subscription.activated":     billing.EventTypeAuthorizationConfirmed,
}

func (PaddleDecoder) Decode(in billing.InboundWebhook) (billing.GatewayEvent, error) {
	var n paddleNotification
	if err := json.Unmarshal(in.Payload, &n); err != nil {
		return billing.GatewayEvent{}, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}
	if n.EventType == "" {
		return billing.GatewayEvent{}, fmt.Errorf("%w: event_type is required", ErrUnknownEvent)
	}

	evt := billing.GatewayEvent{
		ID:        n.EventID,
		Type:      n.EventType,
		Timestamp: n.OccurredAt.UTC(),
		Currency:  n.Data.CurrencyCode,
	}
	if id, ok := n.Data.CustomData["subscription_id"].(string); ok {
		evt.SubscriptionID = id
	}
	if key, ok := n.Data.CustomData["idempotency_key"].(string); ok {
		evt.IdempotencyKey = key
	}
	if mapped, ok := paddleEventTypes[n.EventType]; ok {
		evt.Type = mapped
	}

	if strings.HasPrefix(n.EventType, "subscription.") {
		evt.ExternalMemberReference = n.Data.ID
		if p := n.Data.CurrentBillingPeriod; p != nil {
			start := p.StartsAt.UTC()
			evt.PeriodStart = &start
		}
	} else {
		evt.ExternalMemberReference = n.Data.SubscriptionID
		evt.TransactionID = n.Data.ID
		if p := n.Data.BillingPeriod; p != nil {
			start := p.StartsAt.UTC()
			evt.PeriodStart = &start
		}
		if d := n.Data.Details; d != nil && d.Totals.Total != "" {
			amount, err := strconv.ParseInt(d.Totals.Total, 10, 64)
			if err != nil {
				return billing.GatewayEvent{}, fmt.Errorf("%w: invalid total %q", ErrUnknownEvent, d.Totals.Total)
			}
			evt.Amount = amount
		}
		for _, p := range n.Data.Payments {
			if p.ErrorCode != "" {
				evt.FailureReason = p.ErrorCode
			}
		}
	}
	return evt, nil
}

// NewWebhookHandlers returns the verifier and decoder for cfg.WebhookScheme.
func NewWebhookHandlers(cfg Config) (billing.Verifier, billing.Decoder, error) {
	switch cfg.WebhookScheme {
	case "", SchemeSigned:
		if cfg.WebhookSecret == "" {
			return nil, nil, fmt.Errorf("%w: WEBHOOK_SECRET is required", ErrInvalidConfig)
		}
		return SignedVerifier{Secret: cfg.WebhookSecret, MaxAge: cfg.WebhookMaxAge}, FieldDecoder{}, nil
	case SchemePaddle:
		v, err := NewPaddleVerifier(cfg.WebhookSecret)
		if err != nil {
			return nil, nil, err
		}
		return v, PaddleDecoder{}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown webhook scheme %q", ErrInvalidConfig, cfg.WebhookScheme)
	}
}
