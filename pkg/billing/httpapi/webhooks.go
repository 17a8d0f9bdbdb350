package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

// webhook acknowledges with the ack body once the event is stored, including
// redeliveries. Any failure answers the nack body with a non-2xx status so the
// gateway keeps retrying.
func (a *API) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err == nil && len(payload) > maxBodySize {
		err = errors.New("webhook payload too large")
	}
	if err != nil {
		a.logger.WarnContext(r.Context(), "webhook body unreadable", logger.Error(err))
		a.ack(w, http.StatusBadRequest, a.nackBody)
		return
	}

	res, err := a.ingestor.Ingest(r.Context(), billing.InboundWebhook{
		Payload:     payload,
		ContentType: r.Header.Get("Content-Type"),
		Header:      r.Header.Clone(),
	})
	if err != nil {
		kind := billing.KindOf(err)
		a.logger.ErrorContext(r.Context(), "webhook rejected",
			logger.Error(err),
			logger.EventID(res.EventID),
			logger.RequestID(middleware.GetReqID(r.Context())),
			"kind", kind)
		a.ack(w, statusFor(kind), a.nackBody)
		return
	}
	a.ack(w, http.StatusOK, a.ackBody)
}

func (a *API) ack(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
