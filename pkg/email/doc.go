// Package email sends transactional emails through a provider-agnostic
// EmailSender. PostmarkClient delivers through Postmark; LogSender writes the
// message to a slog.Logger for local development and tests.
package email
