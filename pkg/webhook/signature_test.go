package webhook_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/webhook"
)

func TestSignPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		secret  string
		payload []byte
		wantErr error
	}{
		{name: "valid signature", secret: "whsec", payload: []byte(`{"event_type":"payment_success"}`)},
		{name: "empty secret", secret: "", payload: []byte(`{}`), wantErr: webhook.ErrInvalidConfiguration},
		{name: "empty payload", secret: "whsec", payload: []byte{}, wantErr: webhook.ErrInvalidPayload},
		{name: "nil payload", secret: "whsec", payload: nil, wantErr: webhook.ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			headers, err := webhook.SignPayload(tt.secret, tt.payload)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, headers.Signature, 64)
			assert.NotEmpty(t, headers.ID)
			assert.InDelta(t, time.Now().Unix(), headers.Timestamp, 2)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	secret := "whsec"
	payload := []byte(`{"external_event_id":"evt_1"}`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	signed, err := webhook.SignPayloadAt(secret, payload, now, "dlv_1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		payload []byte
		headers webhook.SignatureHeaders
		at      time.Time
		wantErr error
	}{
		{name: "valid", secret: secret, payload: payload, headers: signed, at: now},
		{name: "tampered payload", secret: secret, payload: []byte(`{"external_event_id":"evt_2"}`), headers: signed, at: now, wantErr: webhook.ErrSignatureMismatch},
		{name: "wrong secret", secret: "other", payload: payload, headers: signed, at: now, wantErr: webhook.ErrSignatureMismatch},
		{name: "too old", secret: secret, payload: payload, headers: signed, at: now.Add(10 * time.Minute), wantErr: webhook.ErrSignatureExpired},
		{name: "from the future", secret: secret, payload: payload, headers: signed, at: now.Add(-5 * time.Minute), wantErr: webhook.ErrSignatureExpired},
		{name: "missing signature", secret: secret, payload: payload, headers: webhook.SignatureHeaders{Timestamp: signed.Timestamp}, at: now, wantErr: webhook.ErrMissingSignature},
		{name: "missing secret", secret: "", payload: payload, headers: signed, at: now, wantErr: webhook.ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := webhook.VerifySignatureAt(tt.secret, tt.payload, tt.headers, 5*time.Minute, tt.at)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExtractSignatureHeaders(t *testing.T) {
	t.Parallel()

	t.Run("round trip through http.Header", func(t *testing.T) {
		t.Parallel()

		signed, err := webhook.SignPayload("whsec", []byte("body"))
		require.NoError(t, err)

		h := http.Header{}
		signed.Apply(h)
		assert.True(t, webhook.HasSignatureHeaders(h))

		got, err := webhook.ExtractSignatureHeaders(h)
		require.NoError(t, err)
		assert.Equal(t, signed, got)
		require.NoError(t, webhook.VerifySignature("whsec", []byte("body"), got, time.Minute))
	})

	t.Run("missing headers", func(t *testing.T) {
		t.Parallel()

		_, err := webhook.ExtractSignatureHeaders(http.Header{})
		require.ErrorIs(t, err, webhook.ErrMissingSignature)
		assert.True(t, webhook.IsVerificationError(err))
	})

	t.Run("bad timestamp", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set(webhook.HeaderSignature, "abc")
		h.Set(webhook.HeaderTimestamp, "yesterday")
		_, err := webhook.ExtractSignatureHeaders(h)
		require.ErrorIs(t, err, webhook.ErrInvalidPayload)
	})
}

func TestFieldSignature(t *testing.T) {
	t.Parallel()

	fields := map[string]string{
		"external_event_id": "evt_42",
		"event_type":        "payment_success",
		"amount":            "2000",
		"timestamp":         "1767225600",
		"failure_reason":    "",
	}

	assert.Equal(t,
		"amount=2000&event_type=payment_success&external_event_id=evt_42&timestamp=1767225600",
		webhook.CanonicalFields(fields, "signature"),
	)

	signed := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		signed[k] = v
	}
	signed["signature"] = webhook.SignFields("whsec", fields, "signature")

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, webhook.VerifyFields("whsec", signed, "signature"))
	})

	t.Run("tampered amount", func(t *testing.T) {
		t.Parallel()

		tampered := make(map[string]string, len(signed))
		for k, v := range signed {
			tampered[k] = v
		}
		tampered["amount"] = "1"
		require.ErrorIs(t, webhook.VerifyFields("whsec", tampered, "signature"), webhook.ErrSignatureMismatch)
	})

	t.Run("missing signature", func(t *testing.T) {
		t.Parallel()
		require.ErrorIs(t, webhook.VerifyFields("whsec", fields, "signature"), webhook.ErrMissingSignature)
	})

	t.Run("no secret", func(t *testing.T) {
		t.Parallel()
		require.ErrorIs(t, webhook.VerifyFields("", signed, "signature"), webhook.ErrInvalidConfiguration)
	})
}
