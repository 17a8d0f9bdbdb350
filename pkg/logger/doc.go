// Package logger builds *slog.Logger instances for the billing service.
//
// New applies functional options (format, level, output, static attributes and
// context extractors) and returns a logger whose handler copies request-scoped
// values such as the request id or the acting user id out of context.Context
// on every record.
//
// Attribute helpers (Error, UserID, SubscriptionID, EventID, Job, ...) keep key
// names consistent across packages:
//
//	log := logger.New(logger.WithEnvironment("production", "billingd"))
//	log.ErrorContext(ctx, "charge failed",
//		logger.SubscriptionID(sub.ID),
//		logger.Error(err),
//	)
package logger
