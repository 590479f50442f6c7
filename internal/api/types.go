package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

const dateLayout = "2006-01-02"

type PatientRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Insurance string `json:"insurance"`
}

type CreateAppointmentRequest struct {
	PatientID       string         `json:"patient_id,omitempty"`
	Patient         PatientRequest `json:"patient"`
	TreatmentTypeID string         `json:"treatment_type_id"`
	ProviderID      string         `json:"provider_id,omitempty"`
	StartSlotID     string         `json:"start_slot_id"`
	Language        string         `json:"language"`
	Notes           string         `json:"notes"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type RescheduleRequest struct {
	StartSlotID string `json:"start_slot_id"`
}

type CreateAbsenceRequest struct {
	ProviderID string `json:"provider_id"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Reason     string `json:"reason"`
	Note       string `json:"note"`
}

type GenerateSlotsRequest struct {
	WeeksAhead int `json:"weeks_ahead"`
}

type AppointmentResponse struct {
	ID                uuid.UUID   `json:"id"`
	PatientID         uuid.UUID   `json:"patient_id"`
	TreatmentTypeID   uuid.UUID   `json:"treatment_type_id"`
	BookingKind       string      `json:"booking_kind"`
	ProviderID        *uuid.UUID  `json:"provider_id,omitempty"`
	SlotIDs           []uuid.UUID `json:"slot_ids"`
	StartsAt          time.Time   `json:"starts_at"`
	EndsAt            time.Time   `json:"ends_at"`
	Status            string      `json:"status"`
	Language          string      `json:"language"`
	Notes             *string     `json:"notes,omitempty"`
	CancellationToken string      `json:"cancellation_token,omitempty"`
	CancellationURL   string      `json:"cancellation_url,omitempty"`
	CancelledAt       *time.Time  `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Patient   *PatientResponse   `json:"patient,omitempty"`
	Treatment *TreatmentResponse `json:"treatment,omitempty"`
	Provider  *ProviderResponse  `json:"provider,omitempty"`
}

type PatientResponse struct {
	ID         uuid.UUID `json:"id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      *string   `json:"email,omitempty"`
	Phone      *string   `json:"phone,omitempty"`
	Insurance  string    `json:"insurance"`
	Anonymized bool      `json:"anonymized"`
}

type TreatmentResponse struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	PracticeService bool      `json:"practice_service"`
}

type ProviderResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty *string   `json:"specialty,omitempty"`
}

type SlotResponse struct {
	ID          uuid.UUID  `json:"id"`
	BookingKind string     `json:"booking_kind"`
	ProviderID  *uuid.UUID `json:"provider_id,omitempty"`
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      time.Time  `json:"ends_at"`
	PrivateOnly bool       `json:"private_only"`
}

type AvailableDatesResponse struct {
	Dates []string `json:"dates"`
}

type AvailableSlotsResponse struct {
	Date  string         `json:"date"`
	Slots []SlotResponse `json:"slots"`
}

type CancellationPreviewResponse struct {
	Appointment AppointmentDetailResponse `json:"appointment"`
	Deadline    time.Time                 `json:"deadline"`
	Cancellable bool                      `json:"cancellable"`
	BlockedBy   string                    `json:"blocked_by,omitempty"`
}

type AbsenceResponse struct {
	ID         uuid.UUID   `json:"id"`
	ProviderID uuid.UUID   `json:"provider_id"`
	StartDate  string      `json:"start_date"`
	EndDate    string      `json:"end_date"`
	Reason     string      `json:"reason"`
	Note       *string     `json:"note,omitempty"`
	Cancelled  []uuid.UUID `json:"cancelled_appointment_ids"`
}

type GenerateSlotsResponse struct {
	Created int `json:"created"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		TreatmentTypeID: a.TreatmentTypeID,
		BookingKind:     string(a.Kind.Kind),
		ProviderID:      a.Kind.ProviderRef(),
		SlotIDs:         a.SlotIDs,
		StartsAt:        a.StartsAt,
		EndsAt:          a.EndsAt,
		Status:          string(a.Status),
		Language:        a.Language,
		Notes:           a.Notes,
		CancelledAt:     a.CancelledAt,
		CreatedAt:       a.CreatedAt,
	}
}

func toDetailResponse(d *appointment.AppointmentDetail) AppointmentDetailResponse {
	resp := AppointmentDetailResponse{AppointmentResponse: toAppointmentResponse(&d.Appointment)}
	if p := d.Patient; p != nil {
		resp.Patient = &PatientResponse{
			ID:         p.ID,
			FirstName:  p.FirstName,
			LastName:   p.LastName,
			Email:      p.Email,
			Phone:      p.Phone,
			Insurance:  string(p.Insurance),
			Anonymized: p.AnonymizedAt != nil,
		}
	}
	if t := d.Treatment; t != nil {
		resp.Treatment = &TreatmentResponse{
			ID:              t.ID,
			Name:            t.Name,
			DurationMinutes: t.DurationMinutes,
			PracticeService: t.PracticeService,
		}
	}
	if pr := d.Provider; pr != nil {
		resp.Provider = &ProviderResponse{ID: pr.ID, Name: pr.Name, Specialty: pr.Specialty}
	}
	return resp
}

func toSlotResponse(s appointment.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:          s.ID,
		BookingKind: string(s.Owner.Kind),
		ProviderID:  s.Owner.ProviderRef(),
		StartsAt:    s.StartsAt,
		EndsAt:      s.EndsAt,
		PrivateOnly: s.PrivateOnly,
	}
}

func toAbsenceResponse(res *appointment.AbsenceResult) AbsenceResponse {
	a := res.Absence
	cancelled := res.Cancelled
	if cancelled == nil {
		cancelled = []uuid.UUID{}
	}
	return AbsenceResponse{
		ID:         a.ID,
		ProviderID: a.ProviderID,
		StartDate:  a.StartDate.Format(dateLayout),
		EndDate:    a.EndDate.Format(dateLayout),
		Reason:     string(a.Reason),
		Note:       a.Note,
		Cancelled:  cancelled,
	}
}
