// Package handlers provides the chi handlers of the console.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/clinicdesk/opd-console/internal/domain/admin"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
	"github.com/clinicdesk/opd-console/internal/hms"
	"github.com/clinicdesk/opd-console/internal/session"
	"github.com/clinicdesk/opd-console/pkg/circuitbreaker"
	"github.com/clinicdesk/opd-console/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func jsonResponse(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	jsonResponse(w, ErrorResponse{Error: message}, code)
}

func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusOf maps a domain or upstream error to an HTTP status
func statusOf(err error) int {
	var apiErr *hms.APIError
	switch {
	case form.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, form.ErrSubmitting), errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, admin.ErrConfirmationNotFound),
		errors.Is(err, admin.ErrRecordNotFound),
		errors.Is(err, billing.ErrLineNotFound),
		errors.Is(err, patient.ErrNotInResults):
		return http.StatusNotFound
	case errors.Is(err, visit.ErrUnknownDoctor),
		errors.Is(err, visit.ErrUnknownKind),
		errors.Is(err, admin.ErrUnknownKind),
		errors.Is(err, catalog.ErrUnknownTest),
		errors.Is(err, billing.ErrDuplicateLine):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired), hms.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		if apiErr.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// writeError responds with the message meant for the user: the field
// message of a validation error, the HMS message of an upstream error, or
// fallback.
func writeError(w http.ResponseWriter, err error, fallback string) {
	var ve *form.ValidationError
	if errors.As(err, &ve) {
		jsonResponse(w, ErrorResponse{Error: ve.Message, Field: ve.Field}, http.StatusUnprocessableEntity)
		return
	}
	code := statusOf(err)
	msg := hms.MessageOf(err, fallback)
	if code == http.StatusNotFound || code == http.StatusBadRequest || code == http.StatusConflict {
		if msg == fallback {
			msg = err.Error()
		}
	}
	jsonError(w, msg, code)
}

func currentSession(r *http.Request) *session.Session {
	s, _ := session.FromContext(r.Context())
	return s
}

func billedBy(r *http.Request) string {
	if s := currentSession(r); s != nil {
		return s.User.Name
	}
	return ""
}
