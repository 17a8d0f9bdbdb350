// Package statemachine implements an immutable, guard-aware transition table.
//
// A Table does not hold a current state. Callers keep the state in their own
// records (for example a database row) and ask the table where an event leads:
//
//	table := statemachine.MustNew(
//	    statemachine.WithTransition(Active, PastDue, PaymentFailed),
//	    statemachine.WithTransition(Active, Cancelled, Cancel, statemachine.WithGuard(isImmediate)),
//	)
//	next, err := table.Fire(ctx, current, PaymentFailed, nil)
//
// When several transitions share a from state and an event, the first one
// whose guards all pass wins. A Table is safe for concurrent use once built.
package statemachine
