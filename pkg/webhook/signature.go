package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

// maxClockSkew is how far in the future a timestamp may be.
const maxClockSkew = time.Minute

// SignatureHeaders contains the webhook signature headers.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Apply sets the signature headers on h.
func (s SignatureHeaders) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	if s.ID != "" {
		h.Set(HeaderID, s.ID)
	}
}

// SignPayload signs payload with the current time and a random delivery id.
// Signature format: hex(HMAC-SHA256(secret, timestamp + "." + payload)).
func SignPayload(secret string, payload []byte) (SignatureHeaders, error) {
	return SignPayloadAt(secret, payload, time.Now(), uuid.NewString())
}

// SignPayloadAt is SignPayload with an explicit timestamp and delivery id.
func SignPayloadAt(secret string, payload []byte, at time.Time, id string) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}

	ts := at.Unix()
	return SignatureHeaders{
		Signature: timestampedMAC(secret, ts, payload),
		Timestamp: ts,
		ID:        id,
	}, nil
}

// VerifySignature validates a header-signed payload. A positive maxAge rejects
// timestamps older than maxAge or more than a minute in the future.
func VerifySignature(secret string, payload []byte, headers SignatureHeaders, maxAge time.Duration) error {
	return verifySignatureAt(secret, payload, headers, maxAge, time.Now())
}

func verifySignatureAt(secret string, payload []byte, headers SignatureHeaders, maxAge time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	if headers.Signature == "" {
		return ErrMissingSignature
	}

	if maxAge > 0 {
		age := now.Sub(time.Unix(headers.Timestamp, 0))
		if age > maxAge || age < -maxClockSkew {
			return fmt.Errorf("%w: age %v", ErrSignatureExpired, age)
		}
	}

	expected := timestampedMAC(secret, headers.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(headers.Signature))) {
		return ErrSignatureMismatch
	}
	return nil
}

// ExtractSignatureHeaders reads the signature headers from an HTTP request.
// It returns ErrMissingSignature when the signature or timestamp is absent.
func ExtractSignatureHeaders(h http.Header) (SignatureHeaders, error) {
	sig := SignatureHeaders{
		Signature: h.Get(HeaderSignature),
		ID:        h.Get(HeaderID),
	}

	raw := h.Get(HeaderTimestamp)
	if sig.Signature == "" || raw == "" {
		return SignatureHeaders{}, ErrMissingSignature
	}

	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return SignatureHeaders{}, fmt.Errorf("%w: invalid timestamp format", ErrInvalidPayload)
	}
	sig.Timestamp = ts
	return sig, nil
}

// HasSignatureHeaders reports whether the request carries header signing.
func HasSignatureHeaders(h http.Header) bool {
	return h.Get(HeaderSignature) != ""
}

// CanonicalFields renders fields sorted by key as "k1=v1&k2=v2". Keys listed
// in exclude are skipped, as are empty values.
func CanonicalFields(fields map[string]string, exclude ...string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" || contains(exclude, k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// SignFields returns the hex HMAC-SHA256 of the canonical field string.
func SignFields(secret string, fields map[string]string, signatureField string) string {
	return mac(secret, []byte(CanonicalFields(fields, signatureField)))
}

// VerifyFields checks the signature embedded under signatureField against the
// remaining fields.
func VerifyFields(secret string, fields map[string]string, signatureField string) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidPayload)
	}

	got := strings.ToLower(fields[signatureField])
	if got == "" {
		return ErrMissingSignature
	}

	expected := SignFields(secret, fields, signatureField)
	if !hmac.Equal([]byte(expected), []byte(got)) {
		return ErrSignatureMismatch
	}
	return nil
}

func timestampedMAC(secret string, ts int64, payload []byte) string {
	return mac(secret, fmt.Appendf(nil, "%d.%s", ts, payload))
}

func mac(secret string, data []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
