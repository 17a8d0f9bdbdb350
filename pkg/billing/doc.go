// Package billing is the subscription billing and payment-state engine.
//
// Service is the only writer of subscription, authorization, payment, pending
// plan change and grace period records. User operations (Create, Upgrade,
// Downgrade, Cancel, Reactivate), webhook effects applied by Ingestor and the
// periodic sweeps all take a per-subscription lock through the Store before
// changing anything, so concurrent deliveries and requests are linearized.
//
// The payment gateway is reached through the Gateway port. Declines are
// returned as explicit results; errors from the port mean the outcome is
// unknown and are treated as transient.
//
// Allowed transitions are defined by Lifecycle:
//
//	none -> pending_authorization -> active <-> past_due
//	active|past_due -> cancelling (cancel at period end) -> cancelled
//	active|past_due|cancelling -> cancelled (immediate, grace expiry, revoked)
package billing
