package billing

import "time"

// ProrationInput describes a mid-cycle plan change. Amounts are per cycle in
// minor units.
type ProrationInput struct {
	OldAmount   int64
	NewAmount   int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Today       time.Time
}

type ProrationResult struct {
	RemainingDays     int64
	TotalDays         int64
	OldRemainingValue int64
	NewValue          int64
	NetCharge         int64
}

// Prorate computes the charge for switching plans for the rest of the period:
// max(0, new*remaining/total - old*remaining/total) with integer floor
// division on calendar days (UTC).
func Prorate(in ProrationInput) ProrationResult {
	total := dayNumber(in.PeriodEnd) - dayNumber(in.PeriodStart)
	if total <= 0 {
		return ProrationResult{}
	}
	remaining := min(max(dayNumber(in.PeriodEnd)-dayNumber(in.Today), 0), total)

	r := ProrationResult{
		RemainingDays:     remaining,
		TotalDays:         total,
		OldRemainingValue: floorDiv(in.OldAmount*remaining, total),
		NewValue:          floorDiv(in.NewAmount*remaining, total),
	}
	r.NetCharge = max(r.NewValue-r.OldRemainingValue, 0)
	return r
}

// UnusedValue is the credit for the unused part of the period:
// amount*remaining/total, floored, never negative.
func UnusedValue(amount int64, periodStart, periodEnd, today time.Time) int64 {
	r := Prorate(ProrationInput{OldAmount: amount, PeriodStart: periodStart, PeriodEnd: periodEnd, Today: today})
	return max(r.OldRemainingValue, 0)
}

// dayNumber counts calendar days since the Unix epoch in UTC.
func dayNumber(t time.Time) int64 {
	return floorDiv(t.UTC().Unix(), 86400)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
