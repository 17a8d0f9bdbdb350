package billing

import (
	"fmt"
	"time"
)

// BillingCycle is the recurring charge interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// AddTo returns t advanced by one cycle.
func (c BillingCycle) AddTo(t time.Time) time.Time {
	if c == CycleAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Status is the persisted subscription status. The derived "cancelling"
// lifecycle state is Active or PastDue with CancelAtPeriodEnd set.
type Status string

const (
	StatusPendingAuthorization Status = "pending_authorization"
	StatusActive               Status = "active"
	StatusPastDue              Status = "past_due"
	StatusCancelled            Status = "cancelled"
)

// Live reports whether the status blocks creating another subscription.
func (s Status) Live() bool {
	return s == StatusPendingAuthorization || s == StatusActive || s == StatusPastDue
}

// Subscription is a user's paid plan and its current billing period.
type Subscription struct {
	ID                 string
	UserID             string
	PlanID             string
	BillingCycle       BillingCycle
	Amount             int64 // minor units per cycle
	Currency           string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CancellationReason string
	CancelledAt        *time.Time
	AuthorizationID    string
	// RetryCount is the number of consecutive failed charges.
	RetryCount   int
	NextRetryAt  *time.Time
	ContactEmail string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CancelledAt = clonePtr(s.CancelledAt)
	c.NextRetryAt = clonePtr(s.NextRetryAt)
	return &c
}

type AuthorizationStatus string

const (
	AuthorizationPending   AuthorizationStatus = "pending"
	AuthorizationActive    AuthorizationStatus = "active"
	AuthorizationCancelled AuthorizationStatus = "cancelled"
)

// Authorization is the user's standing permission for the gateway to charge.
type Authorization struct {
	ID                      string
	UserID                  string
	SubscriptionID          string
	ExternalMemberReference string
	Status                  AuthorizationStatus
	NextPayDate             *time.Time
	ExecutionCount          int
	RecurringAmount         int64
	Currency                string
	// AmountRevision counts recurring amount changes. Each revision is
	// pushed to the gateway under its own idempotency key.
	AmountRevision int
	// AmountSynced is false while the gateway still has an old recurring amount.
	AmountSynced bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SetRecurringAmount records a new recurring amount that still has to be
// pushed to the gateway.
func (a *Authorization) SetRecurringAmount(amount int64, at time.Time) {
	a.RecurringAmount = amount
	a.AmountRevision++
	a.AmountSynced = false
	a.UpdatedAt = at
}

// AmountIdempotencyKey identifies the current amount revision at the gateway.
func (a *Authorization) AmountIdempotencyKey() string {
	return fmt.Sprintf("amount:%s:%d", a.ID, a.AmountRevision)
}

// Clone returns a copy of a.
func (a *Authorization) Clone() *Authorization {
	if a == nil {
		return nil
	}
	c := *a
	c.NextPayDate = clonePtr(a.NextPayDate)
	return &c
}

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPending PaymentStatus = "pending"
	// PaymentRefundDue is money collected for a change that was never
	// applied. It is settled by a refund outside this service.
	PaymentRefundDue PaymentStatus = "refund_due"
)

// Terminal reports whether the payment has reached a final outcome.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed || s == PaymentRefundDue
}

type PaymentKind string

const (
	PaymentInitial   PaymentKind = "initial"
	PaymentProration PaymentKind = "proration"
	PaymentRecurring PaymentKind = "recurring"
	PaymentRetry     PaymentKind = "retry"
)

// Payment is an immutable ledger entry, one per billing attempt. Only a
// pending entry may later move to a terminal status.
type Payment struct {
	ID                    string
	SubscriptionID        string
	ExternalTransactionID string
	IdempotencyKey        string
	Kind                  PaymentKind
	Amount                int64
	Currency              string
	Status                PaymentStatus
	PeriodStart           time.Time
	PeriodEnd             time.Time
	FailureReason         string
	RetryCount            int
	ProcessedAt           time.Time
}

// PendingPlanChange is a downgrade scheduled for period end. There is at most
// one per subscription; a later request replaces it.
type PendingPlanChange struct {
	SubscriptionID  string
	NewPlanID       string
	NewBillingCycle BillingCycle
	NewAmount       int64
	EffectiveDate   time.Time
	CreatedAt       time.Time
}

type GraceStatus string

const (
	GraceActive   GraceStatus = "active"
	GraceResolved GraceStatus = "resolved"
	GraceExpired  GraceStatus = "expired"
)

// GracePeriod keeps service running after repeated payment failure.
type GracePeriod struct {
	ID             string
	SubscriptionID string
	StartDate      time.Time
	EndDate        time.Time
	Reason         string
	Status         GraceStatus
	ResolvedAt     *time.Time
}

// Clone returns a deep copy of g.
func (g *GracePeriod) Clone() *GracePeriod {
	if g == nil {
		return nil
	}
	c := *g
	c.ResolvedAt = clonePtr(g.ResolvedAt)
	return &c
}

// WebhookEvent is a row of the dedup ledger.
type WebhookEvent struct {
	ExternalEventID string
	EventType       string
	PayloadHash     string
	ReceivedAt      time.Time
	Processed       bool
	ProcessedAt     *time.Time
}

// Summary is the read model returned by user operations.
type Summary struct {
	Subscription  *Subscription
	Plan          Plan
	State         State
	PendingChange *PendingPlanChange
	GracePeriod   *GracePeriod
}

// Page selects a slice of a listing.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// PaymentPage is one page of billing history.
type PaymentPage struct {
	Items  []Payment
	Total  int
	Limit  int
	Offset int
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
