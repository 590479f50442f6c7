package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

// statusFor maps a service error to its HTTP status. The body carries the
// key from appointment.ErrorKey so clients can tell kinds apart.
func statusFor(err error) int {
	switch {
	case errors.Is(err, appointment.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, appointment.ErrInvalidToken),
		errors.Is(err, appointment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appointment.ErrSlotConflict),
		errors.Is(err, appointment.ErrAlreadyCancelled),
		errors.Is(err, appointment.ErrPastAppointment),
		errors.Is(err, appointment.ErrDeadlineExceeded),
		errors.Is(err, appointment.ErrInvalidStatusTransition),
		errors.Is(err, appointment.ErrStatusConflict),
		errors.Is(err, appointment.ErrPatientHasActiveAppointments),
		errors.Is(err, appointment.ErrCascadeInProgress):
		return http.StatusConflict
	case appointment.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	resp := ErrorResponse{Error: appointment.ErrorKey(err)}
	var verr *appointment.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
		resp.Details = verr.Reason
		return resp
	}
	if statusFor(err) < http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	return resp
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody(err))
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func writeFieldError(w http.ResponseWriter, field, reason string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: field, Details: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
