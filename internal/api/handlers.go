package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

// BookingService is the part of appointment.Service the HTTP layer drives.
type BookingService interface {
	AvailableDates(ctx context.Context, q appointment.AvailabilityQuery) ([]time.Time, error)
	AvailableSlots(ctx context.Context, date time.Time, q appointment.AvailabilityQuery) ([]appointment.TimeSlot, error)
	CreateAppointment(ctx context.Context, req appointment.CreateRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error)
	ListAppointments(ctx context.Context, filter appointment.AppointmentFilter) ([]appointment.Appointment, error)
	SetStatus(ctx context.Context, id uuid.UUID, to appointment.AppointmentStatus) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id, newStartSlotID uuid.UUID) (*appointment.Appointment, error)
	PreviewCancellation(ctx context.Context, token string) (*appointment.CancellationPreview, error)
	CancelByToken(ctx context.Context, token string) (*appointment.Appointment, error)
	CreateAbsence(ctx context.Context, in appointment.AbsenceInput) (*appointment.AbsenceResult, error)
	CascadeAbsence(ctx context.Context, absenceID uuid.UUID) (*appointment.AbsenceResult, error)
	DeleteAbsence(ctx context.Context, absenceID uuid.UUID) error
	AnonymizePatient(ctx context.Context, patientID uuid.UUID) error
	GenerateSlots(ctx context.Context, weeksAhead int) (int, error)
}

var _ BookingService = (*appointment.Service)(nil)

type Handler struct {
	svc           BookingService
	logger        *zap.Logger
	publicBaseURL string
	retries       int
	retryDelay    time.Duration
	now           func() time.Time
}

func NewHandler(svc BookingService, logger *zap.Logger, publicBaseURL string, retries int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:           svc,
		logger:        logger,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		retries:       retries,
		retryDelay:    100 * time.Millisecond,
		now:           time.Now,
	}
}

func (h *Handler) cancellationURL(token string) string {
	return h.publicBaseURL + "/cancel/" + url.PathEscape(token)
}

func call[T any](h *Handler, r *http.Request, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx := r.Context()
	return retryTransient(ctx, h.retries, h.retryDelay, func() (T, error) { return fn(ctx) })
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeFieldError(w, name, "invalid_uuid")
		return uuid.Nil, false
	}
	return id, true
}

// optionalID parses an optional UUID; an empty value yields nil.
func optionalID(raw string) (*uuid.UUID, bool) {
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, raw, loc)
}

func (h *Handler) availabilityQuery(w http.ResponseWriter, r *http.Request) (appointment.AvailabilityQuery, bool) {
	q := r.URL.Query()
	providerID, ok := optionalID(q.Get("provider_id"))
	if !ok {
		writeFieldError(w, "provider_id", "invalid_uuid")
		return appointment.AvailabilityQuery{}, false
	}
	treatmentID, ok := optionalID(q.Get("treatment_type_id"))
	if !ok {
		writeFieldError(w, "treatment_type_id", "invalid_uuid")
		return appointment.AvailabilityQuery{}, false
	}
	return appointment.AvailabilityQuery{
		ProviderID:      providerID,
		TreatmentTypeID: treatmentID,
		Insurance:       appointment.Insurance(q.Get("insurance")),
		NotBefore:       h.now(),
	}, true
}

func (h *Handler) AvailableDates(w http.ResponseWriter, r *http.Request) {
	query, ok := h.availabilityQuery(w, r)
	if !ok {
		return
	}
	from, err := parseDate(r.URL.Query().Get("from"), time.UTC)
	if err != nil {
		writeFieldError(w, "from", "invalid_date")
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"), time.UTC)
	if err != nil {
		writeFieldError(w, "to", "invalid_date")
		return
	}
	query.From, query.To = from, to

	dates, err := call(h, r, func(ctx context.Context) ([]time.Time, error) {
		return h.svc.AvailableDates(ctx, query)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := AvailableDatesResponse{Dates: make([]string, 0, len(dates))}
	for _, d := range dates {
		resp.Dates = append(resp.Dates, d.Format(dateLayout))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	query, ok := h.availabilityQuery(w, r)
	if !ok {
		return
	}
	date, err := parseDate(r.URL.Query().Get("date"), time.UTC)
	if err != nil {
		writeFieldError(w, "date", "invalid_date")
		return
	}

	slots, err := call(h, r, func(ctx context.Context) ([]appointment.TimeSlot, error) {
		return h.svc.AvailableSlots(ctx, date, query)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := AvailableSlotsResponse{Date: date.Format(dateLayout), Slots: make([]SlotResponse, 0, len(slots))}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}

	patientID, ok := optionalID(req.PatientID)
	if !ok {
		writeFieldError(w, "patient_id", "invalid_uuid")
		return
	}
	providerID, ok := optionalID(req.ProviderID)
	if !ok {
		writeFieldError(w, "provider_id", "invalid_uuid")
		return
	}
	treatmentID, err := uuid.Parse(req.TreatmentTypeID)
	if err != nil {
		writeFieldError(w, "treatment_type_id", "invalid_uuid")
		return
	}
	slotID, err := uuid.Parse(req.StartSlotID)
	if err != nil {
		writeFieldError(w, "start_slot_id", "invalid_uuid")
		return
	}

	in := appointment.CreateRequest{
		PatientID: patientID,
		Patient: appointment.PatientInput{
			FirstName: req.Patient.FirstName,
			LastName:  req.Patient.LastName,
			Email:     req.Patient.Email,
			Phone:     req.Patient.Phone,
			Insurance: appointment.Insurance(req.Patient.Insurance),
		},
		TreatmentTypeID: treatmentID,
		ProviderID:      providerID,
		StartSlotID:     slotID,
		Language:        req.Language,
		Notes:           req.Notes,
	}

	appt, err := call(h, r, func(ctx context.Context) (*appointment.Appointment, error) {
		return h.svc.CreateAppointment(ctx, in)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := toAppointmentResponse(appt)
	resp.CancellationToken = appt.CancellationToken
	resp.CancellationURL = h.cancellationURL(appt.CancellationToken)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter appointment.AppointmentFilter

	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeFieldError(w, "from", "invalid_time")
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeFieldError(w, "to", "invalid_time")
			return
		}
		filter.To = to
	}
	providerID, ok := optionalID(q.Get("provider_id"))
	if !ok {
		writeFieldError(w, "provider_id", "invalid_uuid")
		return
	}
	filter.ProviderID = providerID
	patientID, ok := optionalID(q.Get("patient_id"))
	if !ok {
		writeFieldError(w, "patient_id", "invalid_uuid")
		return
	}
	filter.PatientID = patientID
	for _, s := range q["status"] {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, appointment.AppointmentStatus(part))
			}
		}
	}

	appts, err := call(h, r, func(ctx context.Context) ([]appointment.Appointment, error) {
		return h.svc.ListAppointments(ctx, filter)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := call(h, r, func(ctx context.Context) (*appointment.AppointmentDetail, error) {
		return h.svc.GetAppointment(ctx, id)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SetStatusRequest
	if !decode(w, r, &req) {
		return
	}

	appt, err := call(h, r, func(ctx context.Context) (*appointment.Appointment, error) {
		return h.svc.SetStatus(ctx, id, appointment.AppointmentStatus(req.Status))
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	slotID, err := uuid.Parse(req.StartSlotID)
	if err != nil {
		writeFieldError(w, "start_slot_id", "invalid_uuid")
		return
	}

	appt, err := call(h, r, func(ctx context.Context) (*appointment.Appointment, error) {
		return h.svc.Reschedule(ctx, id, slotID)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) PreviewCancellation(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	preview, err := call(h, r, func(ctx context.Context) (*appointment.CancellationPreview, error) {
		return h.svc.PreviewCancellation(ctx, token)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancellationPreviewResponse{
		Appointment: toDetailResponse(preview.Appointment),
		Deadline:    preview.Deadline,
		Cancellable: preview.Cancellable,
		BlockedBy:   preview.BlockedBy,
	})
}

func (h *Handler) CancelByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	appt, err := call(h, r, func(ctx context.Context) (*appointment.Appointment, error) {
		return h.svc.CancelByToken(ctx, token)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// absenceFailure is returned when the absence was stored but its cascade
// stopped part way. The client resumes with POST /absences/{id}/cascade.
type absenceFailure struct {
	ErrorResponse
	Absence AbsenceResponse `json:"absence"`
}

func (h *Handler) writeAbsence(w http.ResponseWriter, r *http.Request, status int, res *appointment.AbsenceResult, err error) {
	if err == nil {
		writeJSON(w, status, toAbsenceResponse(res))
		return
	}
	if res == nil || res.Absence == nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Warn("absence cascade incomplete",
		zap.Stringer("absence_id", res.Absence.ID),
		zap.Int("cancelled", len(res.Cancelled)),
		zap.Error(err),
	)
	writeJSON(w, statusFor(err), absenceFailure{ErrorResponse: errorBody(err), Absence: toAbsenceResponse(res)})
}

func (h *Handler) CreateAbsence(w http.ResponseWriter, r *http.Request) {
	var req CreateAbsenceRequest
	if !decode(w, r, &req) {
		return
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeFieldError(w, "provider_id", "invalid_uuid")
		return
	}
	start, err := parseDate(req.StartDate, time.UTC)
	if err != nil {
		writeFieldError(w, "start_date", "invalid_date")
		return
	}
	end, err := parseDate(req.EndDate, time.UTC)
	if err != nil {
		writeFieldError(w, "end_date", "invalid_date")
		return
	}

	// Not retried: a retry after a partial cascade would store a second absence.
	res, err := h.svc.CreateAbsence(r.Context(), appointment.AbsenceInput{
		ProviderID: providerID,
		StartDate:  start,
		EndDate:    end,
		Reason:     appointment.AbsenceReason(req.Reason),
		Note:       req.Note,
	})
	h.writeAbsence(w, r, http.StatusCreated, res, err)
}

func (h *Handler) CascadeAbsence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.svc.CascadeAbsence(r.Context(), id)
	h.writeAbsence(w, r, http.StatusOK, res, err)
}

func (h *Handler) DeleteAbsence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	_, err := call(h, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.svc.DeleteAbsence(ctx, id)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AnonymizePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	_, err := call(h, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.svc.AnonymizePatient(ctx, id)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	var req GenerateSlotsRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := call(h, r, func(ctx context.Context) (int, error) {
		return h.svc.GenerateSlots(ctx, req.WeeksAhead)
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateSlotsResponse{Created: created})
}
