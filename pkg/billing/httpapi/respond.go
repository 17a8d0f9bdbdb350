package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

const maxBodySize = 1 << 20

var (
	errUnauthenticated      = errors.New("missing user identity")
	errUnsupportedMediaType = errors.New("unsupported media type")
	errMalformedBody        = errors.New("malformed request body")
)

// Envelope is the body of every API response.
type Envelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any, meta map[string]any) {
	writeJSON(w, status, Envelope{Data: data, Meta: meta})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind billing.Kind) int {
	switch kind {
	case billing.KindValidation, billing.KindIntegrity:
		return http.StatusBadRequest
	case billing.KindPayment:
		return http.StatusPaymentRequired
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr validationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Envelope{Error: &ErrorDetail{
			Code:    string(billing.KindValidation),
			Message: "The request is invalid. Correct the listed fields and try again.",
			Details: verr,
		}})
		return
	case errors.Is(err, errUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, Envelope{Error: &ErrorDetail{
			Code:    "unauthenticated",
			Message: "Sign in again to manage your subscription.",
		}})
		return
	case errors.Is(err, errUnsupportedMediaType):
		writeJSON(w, http.StatusUnsupportedMediaType, Envelope{Error: &ErrorDetail{
			Code:    string(billing.KindValidation),
			Message: "Send the request body as application/json.",
		}})
		return
	case errors.Is(err, errMalformedBody):
		writeJSON(w, http.StatusBadRequest, Envelope{Error: &ErrorDetail{
			Code:    string(billing.KindValidation),
			Message: "The request body could not be read. Send a single JSON object.",
		}})
		return
	}

	kind := billing.KindOf(err)
	status := statusFor(kind)
	log := a.logger.With(logger.Error(err), logger.RequestID(middleware.GetReqID(r.Context())))
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", kind)
	} else {
		log.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "kind", kind)
	}
	writeJSON(w, status, Envelope{Error: &ErrorDetail{
		Code:    string(kind),
		Message: billing.UserMessage(err),
	}})
}

// validationError maps json field names to messages.
type validationError map[string][]string

func (v validationError) Error() string {
	parts := make([]string, 0, len(v))
	for field, msgs := range v {
		parts = append(parts, field+": "+strings.Join(msgs, ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *API) check(v any) error {
	err := a.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(validationError, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fe.Field()] = append(out[fe.Field()], fieldMessage(fe))
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

// decode reads a single JSON object. An empty body is accepted when
// allowEmpty is set and leaves v unchanged.
func decode(r *http.Request, v any, allowEmpty bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return errors.Join(errMalformedBody, err)
	}
	if len(body) > maxBodySize {
		return fmt.Errorf("%w: body exceeds %d bytes", errMalformedBody, maxBodySize)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: empty body", errMalformedBody)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errUnsupportedMediaType
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errMalformedBody, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON object", errMalformedBody)
	}
	return nil
}

type userKey struct{}

func (a *API) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			a.writeError(w, r, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}
