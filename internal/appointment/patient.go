package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnonymizePatient scrubs a patient's personal data. It is refused while any
// of the patient's appointments can still take place. Scheduling data is
// kept; anonymizing twice is a no-op.
func (s *Service) AnonymizePatient(ctx context.Context, patientID uuid.UUID) (err error) {
	ctx, span := tracer.Start(ctx, "patient.anonymize")
	defer s.finish(span, "anonymize", time.Now(), &err)

	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if patient.AnonymizedAt != nil {
		return nil
	}

	active, err := s.repo.ListAppointments(ctx, AppointmentFilter{
		PatientID: &patientID,
		Statuses:  ActiveStatuses,
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("list appointments: %w", err)
	}
	if len(active) > 0 {
		return ErrPatientHasActiveAppointments
	}

	if err := s.repo.AnonymizePatient(ctx, patientID, s.now()); err != nil {
		return fmt.Errorf("anonymize patient: %w", err)
	}
	s.logger.Info("patient anonymized", zap.Stringer("patient_id", patientID))
	return nil
}
