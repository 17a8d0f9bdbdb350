package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
)

type createRequest struct {
	PlanID       string `json:"plan_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required,oneof=monthly annual"`
	Email        string `json:"email" validate:"omitempty,email"`
}

type planChangeRequest struct {
	PlanID       string `json:"plan_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=monthly annual"`
}

type cancelRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason" validate:"omitempty,max=200"`
}

type upgradeResponse struct {
	Subscription   *subscriptionView `json:"subscription"`
	ProratedCharge int64             `json:"prorated_charge"`
	EffectiveDate  time.Time         `json:"effective_date"`
	Payment        *paymentView      `json:"payment,omitempty"`
}

type downgradeResponse struct {
	Subscription  *subscriptionView `json:"subscription"`
	EffectiveDate time.Time         `json:"effective_date"`
}

type cancelResponse struct {
	Subscription  *subscriptionView `json:"subscription"`
	CancelledAt   *time.Time        `json:"cancelled_at"`
	EffectiveDate time.Time         `json:"effective_date"`
	RefundAmount  *int64            `json:"refund_amount,omitempty"`
}

type reactivateResponse struct {
	Subscription    *subscriptionView `json:"subscription"`
	NextPaymentDate time.Time         `json:"next_payment_date"`
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		a.writeError(w, r, err)
		return
	}
	sum, err := a.svc.Create(r.Context(), billing.CreateRequest{
		UserID: userID(r),
		PlanID: req.PlanID,
		Cycle:  billing.BillingCycle(req.BillingCycle),
		Email:  req.Email,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, newSubscriptionView(sum), nil)
}

func (a *API) current(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Current(r.Context(), userID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newSubscriptionView(sum), nil)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newSubscriptionView(sum), nil)
}

func (a *API) planChange(w http.ResponseWriter, r *http.Request) (billing.PlanChangeRequest, bool) {
	var req planChangeRequest
	if err := decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return billing.PlanChangeRequest{}, false
	}
	if err := a.check(req); err != nil {
		a.writeError(w, r, err)
		return billing.PlanChangeRequest{}, false
	}
	return billing.PlanChangeRequest{
		UserID:         userID(r),
		SubscriptionID: chi.URLParam(r, "id"),
		PlanID:         req.PlanID,
		Cycle:          billing.BillingCycle(req.BillingCycle),
	}, true
}

func (a *API) upgrade(w http.ResponseWriter, r *http.Request) {
	req, ok := a.planChange(w, r)
	if !ok {
		return
	}
	res, err := a.svc.Upgrade(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	body := upgradeResponse{
		Subscription:   newSubscriptionView(res.Summary),
		ProratedCharge: res.ProratedCharge,
		EffectiveDate:  res.EffectiveDate,
	}
	if res.Payment != nil {
		p := newPaymentView(*res.Payment)
		body.Payment = &p
	}
	writeData(w, http.StatusOK, body, nil)
}

func (a *API) downgrade(w http.ResponseWriter, r *http.Request) {
	req, ok := a.planChange(w, r)
	if !ok {
		return
	}
	res, err := a.svc.Downgrade(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, downgradeResponse{
		Subscription:  newSubscriptionView(res.Summary),
		EffectiveDate: res.EffectiveDate,
	}, nil)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.svc.Cancel(r.Context(), billing.CancelRequest{
		UserID:         userID(r),
		SubscriptionID: chi.URLParam(r, "id"),
		Immediate:      req.Immediate,
		Reason:         req.Reason,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, cancelResponse{
		Subscription:  newSubscriptionView(res.Summary),
		CancelledAt:   res.CancelledAt,
		EffectiveDate: res.EffectiveDate,
		RefundAmount:  res.RefundAmount,
	}, nil)
}

func (a *API) reactivate(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Reactivate(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, reactivateResponse{
		Subscription:    newSubscriptionView(res.Summary),
		NextPaymentDate: res.NextPaymentDate,
	}, nil)
}

func (a *API) billingHistory(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.svc.BillingHistory(r.Context(), userID(r), chi.URLParam(r, "id"), page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]paymentView, 0, len(res.Items))
	for _, p := range res.Items {
		items = append(items, newPaymentView(p))
	}
	writeData(w, http.StatusOK, items, map[string]any{
		"total":  res.Total,
		"limit":  res.Limit,
		"offset": res.Offset,
	})
}

func pageFromQuery(r *http.Request) (billing.Page, error) {
	var page billing.Page
	q := r.URL.Query()
	errs := validationError{}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			errs["limit"] = append(errs["limit"], "must be a positive integer")
		}
		page.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			errs["offset"] = append(errs["offset"], "must be a non-negative integer")
		}
		page.Offset = n
	}
	if len(errs) > 0 {
		return billing.Page{}, errs
	}
	return page, nil
}
