package httpapi

import (
	"time"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
)

type subscriptionView struct {
	ID                 string             `json:"id"`
	PlanID             string             `json:"plan_id"`
	PlanName           string             `json:"plan_name"`
	BillingCycle       string             `json:"billing_cycle"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	Status             string             `json:"status"`
	State              string             `json:"state"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	NextRetryAt        *time.Time         `json:"next_retry_at,omitempty"`
	PendingChange      *pendingChangeView `json:"pending_change,omitempty"`
	GracePeriod        *gracePeriodView   `json:"grace_period,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

type pendingChangeView struct {
	PlanID        string    `json:"plan_id"`
	BillingCycle  string    `json:"billing_cycle"`
	Amount        int64     `json:"amount"`
	EffectiveDate time.Time `json:"effective_date"`
}

type gracePeriodView struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Reason    string    `json:"reason"`
}

type paymentView struct {
	ID                    string     `json:"id"`
	Kind                  string     `json:"kind"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	Status                string     `json:"status"`
	ExternalTransactionID string     `json:"external_transaction_id,omitempty"`
	PeriodStart           *time.Time `json:"period_start,omitempty"`
	PeriodEnd             *time.Time `json:"period_end,omitempty"`
	FailureReason         string     `json:"failure_reason,omitempty"`
	ProcessedAt           time.Time  `json:"processed_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newSubscriptionView(sum *billing.Summary) *subscriptionView {
	if sum == nil || sum.Subscription == nil {
		return nil
	}
	sub := sum.Subscription
	v := &subscriptionView{
		ID:                 sub.ID,
		PlanID:             sub.PlanID,
		PlanName:           sum.Plan.Name,
		BillingCycle:       string(sub.BillingCycle),
		Amount:             sub.Amount,
		Currency:           sub.Currency,
		Status:             string(sub.Status),
		State:              string(sum.State),
		CurrentPeriodStart: optionalTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   optionalTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancellationReason: sub.CancellationReason,
		CancelledAt:        sub.CancelledAt,
		NextRetryAt:        sub.NextRetryAt,
		CreatedAt:          sub.CreatedAt,
	}
	if pc := sum.PendingChange; pc != nil {
		v.PendingChange = &pendingChangeView{
			PlanID:        pc.NewPlanID,
			BillingCycle:  string(pc.NewBillingCycle),
			Amount:        pc.NewAmount,
			EffectiveDate: pc.EffectiveDate,
		}
	}
	if g := sum.GracePeriod; g != nil {
		v.GracePeriod = &gracePeriodView{StartDate: g.StartDate, EndDate: g.EndDate, Reason: g.Reason}
	}
	return v
}

func newPaymentView(p billing.Payment) paymentView {
	return paymentView{
		ID:                    p.ID,
		Kind:                  string(p.Kind),
		Amount:                p.Amount,
		Currency:              p.Currency,
		Status:                string(p.Status),
		ExternalTransactionID: p.ExternalTransactionID,
		PeriodStart:           optionalTime(p.PeriodStart),
		PeriodEnd:             optionalTime(p.PeriodEnd),
		FailureReason:         p.FailureReason,
		ProcessedAt:           p.ProcessedAt,
	}
}
