// Package webhook signs and verifies inbound and outbound webhook payloads.
//
// Two schemes are supported. Header signing binds an HMAC-SHA256 signature to a
// Unix timestamp and a delivery id carried in X-Webhook-* headers:
//
//	headers, _ := webhook.SignPayload(secret, body)
//	err := webhook.VerifySignature(secret, body, headers, 5*time.Minute)
//
// Field signing covers gateways that post form or flat JSON bodies with the
// signature embedded as one of the fields. The remaining fields are sorted by
// key and joined as k=v pairs with '&' before hashing:
//
//	sig := webhook.SignFields(secret, fields)
//	err := webhook.VerifyFields(secret, fields, "signature")
package webhook
