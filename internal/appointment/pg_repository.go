package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool is the subset of *pgxpool.Pool the repository needs.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool pgxPool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return newPgRepositoryWithPool(pool)
}

func newPgRepositoryWithPool(pool pgxPool) *PgRepository {
	if pool == nil {
		panic("appointment: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

const appointmentColumns = `id, patient_id, treatment_type_id, provider_id, slot_ids, starts_at, ends_at,
	status, cancellation_token, language, notes, cancelled_at, reminder_sent_at, created_at, updated_at`

const slotColumns = `id, provider_id, starts_at, ends_at, is_available, private_only, created_at, updated_at`

const absenceColumns = `id, provider_id, start_date, end_date, reason, note, created_at`

// Helpers

// storeErr wraps driver errors, marking the ones a caller may retry.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var insurance string

	err := row.Scan(
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&p.Email,
		&p.Phone,
		&insurance,
		&p.AnonymizedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, storeErr("scan patient", err)
	}

	p.Insurance = Insurance(insurance)
	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialty,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, storeErr("scan provider", err)
	}

	return &p, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	var providerID *uuid.UUID

	err := row.Scan(
		&s.ID,
		&providerID,
		&s.StartsAt,
		&s.EndsAt,
		&s.Available,
		&s.PrivateOnly,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, storeErr("scan slot", err)
	}

	s.Owner = kindFromProvider(providerID)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var providerID *uuid.UUID
	var status string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.TreatmentTypeID,
		&providerID,
		&a.SlotIDs,
		&a.StartsAt,
		&a.EndsAt,
		&status,
		&a.CancellationToken,
		&a.Language,
		&a.Notes,
		&a.CancelledAt,
		&a.ReminderSentAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, storeErr("scan appointment", err)
	}

	a.Kind = kindFromProvider(providerID)
	a.Status = AppointmentStatus(status)
	return &a, nil
}

func scanAbsence(row pgx.Row) (*Absence, error) {
	var a Absence
	var reason string

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.StartDate,
		&a.EndDate,
		&reason,
		&a.Note,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAbsenceNotFound
		}
		return nil, storeErr("scan absence", err)
	}

	a.Reason = AbsenceReason(reason)
	return &a, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate rows", err)
	}
	return result, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, phone, insurance, anonymized_at, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, active, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetTreatmentTypeByID(ctx context.Context, id uuid.UUID) (*TreatmentType, error) {
	var t TreatmentType
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, practice_service
		FROM treatment_types
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.DurationMinutes, &t.PracticeService)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTreatmentNotFound
		}
		return nil, storeErr("get treatment type", err)
	}
	return &t, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]TimeSlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE starts_at >= $1
		  AND starts_at < $2
		  AND ($3::text = '' OR ($3::text = 'provider') = (provider_id IS NOT NULL))
		  AND ($4::uuid IS NULL OR provider_id = $4)
		ORDER BY starts_at, provider_id
	`, f.From, f.To, string(f.Class), f.ProviderID)
	if err != nil {
		return nil, storeErr("list slots", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListClosures(ctx context.Context, from, to time.Time) ([]Closure, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, starts_at, ends_at, reason
		FROM practice_closures
		WHERE starts_at < $2
		  AND ends_at > $1
		ORDER BY starts_at
	`, from, to)
	if err != nil {
		return nil, storeErr("list closures", err)
	}
	return collect(rows, func(row pgx.Row) (*Closure, error) {
		var c Closure
		if err := row.Scan(&c.ID, &c.StartsAt, &c.EndsAt, &c.Reason); err != nil {
			return nil, storeErr("scan closure", err)
		}
		return &c, nil
	})
}

func (r *PgRepository) ListAbsences(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]Absence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+absenceColumns+`
		FROM absences
		WHERE ($1::uuid IS NULL OR provider_id = $1)
		  AND end_date >= $2::date
		  AND start_date <= $3::date
		ORDER BY start_date
	`, providerID, civilDate(from), civilDate(to))
	if err != nil {
		return nil, storeErr("list absences", err)
	}
	return collect(rows, scanAbsence)
}

// GenerateSlots runs the generate_time_slots procedure shipped with the
// migrations. It is idempotent; existing slots are kept.
func (r *PgRepository) GenerateSlots(ctx context.Context, weeksAhead int) (int, error) {
	var created int
	if err := r.pool.QueryRow(ctx, `SELECT generate_time_slots($1)`, weeksAhead).Scan(&created); err != nil {
		return 0, storeErr("generate slots", err)
	}
	return created, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// GetAppointmentByToken searches the single token namespace shared by
// provider and practice-service bookings.
func (r *PgRepository) GetAppointmentByToken(ctx context.Context, token string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE cancellation_token = $1
	`, token)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	var (
		d          AppointmentDetail
		providerID *uuid.UUID
		status     string
		p          Patient
		insurance  string
		t          TreatmentType
		prID       *uuid.UUID
		prName     *string
		prSpec     *string
		prActive   *bool
		prCreated  *time.Time
		prUpdated  *time.Time
	)

	err := r.pool.QueryRow(ctx, `
		SELECT a.id, a.patient_id, a.treatment_type_id, a.provider_id, a.slot_ids, a.starts_at, a.ends_at,
		       a.status, a.cancellation_token, a.language, a.notes, a.cancelled_at, a.reminder_sent_at,
		       a.created_at, a.updated_at,
		       p.id, p.first_name, p.last_name, p.email, p.phone, p.insurance, p.anonymized_at,
		       p.created_at, p.updated_at,
		       t.id, t.name, t.duration_minutes, t.practice_service,
		       pr.id, pr.name, pr.specialty, pr.active, pr.created_at, pr.updated_at
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		JOIN treatment_types t ON t.id = a.treatment_type_id
		LEFT JOIN providers pr ON pr.id = a.provider_id
		WHERE a.id = $1
	`, id).Scan(
		&d.ID, &d.PatientID, &d.TreatmentTypeID, &providerID, &d.SlotIDs, &d.StartsAt, &d.EndsAt,
		&status, &d.CancellationToken, &d.Language, &d.Notes, &d.CancelledAt, &d.ReminderSentAt,
		&d.CreatedAt, &d.UpdatedAt,
		&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &insurance, &p.AnonymizedAt,
		&p.CreatedAt, &p.UpdatedAt,
		&t.ID, &t.Name, &t.DurationMinutes, &t.PracticeService,
		&prID, &prName, &prSpec, &prActive, &prCreated, &prUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, storeErr("get appointment detail", err)
	}

	d.Kind = kindFromProvider(providerID)
	d.Status = AppointmentStatus(status)
	p.Insurance = Insurance(insurance)
	d.Patient = &p
	d.Treatment = &t
	if prID != nil {
		d.Provider = &Provider{ID: *prID, Specialty: prSpec}
		if prName != nil {
			d.Provider.Name = *prName
		}
		if prActive != nil {
			d.Provider.Active = *prActive
		}
		if prCreated != nil {
			d.Provider.CreatedAt = *prCreated
		}
		if prUpdated != nil {
			d.Provider.UpdatedAt = *prUpdated
		}
	}
	return &d, nil
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::timestamptz IS NULL OR starts_at >= $1)
		  AND ($2::timestamptz IS NULL OR starts_at < $2)
		  AND ($3::uuid IS NULL OR provider_id = $3)
		  AND ($4::uuid IS NULL OR patient_id = $4)
		  AND (cardinality($5::text[]) = 0 OR status = ANY($5))
		ORDER BY starts_at, id
		LIMIT $6 OFFSET $7
	`, nullableTime(f.From), nullableTime(f.To), f.ProviderID, f.PatientID, statuses, limit, f.Offset)
	if err != nil {
		return nil, storeErr("list appointments", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) ListReminderCandidates(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND reminder_sent_at IS NULL
		  AND starts_at >= $1
		  AND starts_at < $2
		ORDER BY starts_at
	`, from, to)
	if err != nil {
		return nil, storeErr("list reminder candidates", err)
	}
	return collect(rows, scanAppointment)
}

// reserveSlots flips every id from available to taken or fails with
// ErrSlotConflict. A shortfall leaves the transaction to be rolled back.
func reserveSlots(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE time_slots
		SET is_available = false,
		    updated_at = now()
		WHERE id = ANY($1)
		  AND is_available
	`, ids)
	if err != nil {
		return storeErr("reserve slots", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrSlotConflict
	}
	return nil
}

func releaseSlots(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE time_slots
		SET is_available = true,
		    updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return storeErr("release slots", err)
}

// checkRunOpen share-locks the provider row, then fails with ErrSlotConflict
// when a closure or an absence of that provider covers the run. CreateAbsence
// locks the same row for update, so the absence check runs in a statement
// that starts after any competing absence has committed.
func checkRunOpen(ctx context.Context, tx pgx.Tx, kind BookingKind, startsAt, endsAt time.Time, days RunDays) error {
	providerID := kind.ProviderRef()
	if providerID == nil {
		return nil
	}
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM providers WHERE id = $1 FOR SHARE`, *providerID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProviderNotFound
		}
		return storeErr("lock provider", err)
	}

	var blocked bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM absences
			WHERE provider_id = $1
			  AND start_date <= $3::date
			  AND end_date >= $2::date
		) OR EXISTS (
			SELECT 1 FROM practice_closures
			WHERE starts_at < $5
			  AND ends_at > $4
		)
	`, *providerID, civilDate(days.First), civilDate(days.Last), startsAt, endsAt).Scan(&blocked)
	if err != nil {
		return storeErr("check blockers", err)
	}
	if blocked {
		return ErrSlotConflict
	}
	return nil
}

func (r *PgRepository) CreateBooking(ctx context.Context, patient *Patient, appt *Appointment, days RunDays) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin booking", err)
	}
	defer rollback(ctx, tx)

	if patient != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, first_name, last_name, email, phone, insurance, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, patient.ID, patient.FirstName, patient.LastName, patient.Email, patient.Phone, string(patient.Insurance))
		if err != nil {
			return nil, storeErr("insert patient", err)
		}
	}

	if err := checkRunOpen(ctx, tx, appt.Kind, appt.StartsAt, appt.EndsAt, days); err != nil {
		return nil, err
	}
	if err := reserveSlots(ctx, tx, appt.SlotIDs); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, treatment_type_id, provider_id, slot_ids, starts_at, ends_at,
		                          status, cancellation_token, language, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+appointmentColumns,
		appt.ID, appt.PatientID, appt.TreatmentTypeID, appt.Kind.ProviderRef(), appt.SlotIDs,
		appt.StartsAt, appt.EndsAt, string(appt.Status), appt.CancellationToken, appt.Language, appt.Notes)
	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err, "appointments_cancellation_token_key") {
			return nil, invalid("cancellation_token", "duplicate")
		}
		if isForeignKeyViolation(err) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit booking", err)
	}
	return created, nil
}

func (r *PgRepository) RescheduleAppointment(ctx context.Context, c RescheduleChange) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin reschedule", err)
	}
	defer rollback(ctx, tx)

	var status string
	var held []uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT status, slot_ids
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, c.AppointmentID).Scan(&status, &held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, storeErr("lock appointment", err)
	}
	if AppointmentStatus(status) != c.ExpectedStatus || !sameIDs(held, c.OldSlotIDs) {
		return nil, ErrStatusConflict
	}

	if err := checkRunOpen(ctx, tx, c.Kind, c.StartsAt, c.EndsAt, c.Days); err != nil {
		return nil, err
	}
	if err := reserveSlots(ctx, tx, minus(c.NewSlotIDs, c.OldSlotIDs)); err != nil {
		return nil, err
	}
	if err := releaseSlots(ctx, tx, minus(c.OldSlotIDs, c.NewSlotIDs)); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET slot_ids = $2,
		    provider_id = $3,
		    starts_at = $4,
		    ends_at = $5,
		    reminder_sent_at = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns,
		c.AppointmentID, c.NewSlotIDs, c.Kind.ProviderRef(), c.StartsAt, c.EndsAt)
	updated, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit reschedule", err)
	}
	return updated, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin status update", err)
	}
	defer rollback(ctx, tx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN now() ELSE cancelled_at END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from))
	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, storeErr("check appointment", qerr)
		}
		if exists {
			return nil, ErrStatusConflict
		}
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}

	if to == StatusCancelled {
		if err := releaseSlots(ctx, tx, updated.SlotIDs); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit status update", err)
	}
	return updated, nil
}

func (r *PgRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET reminder_sent_at = $2
		WHERE id = $1
		  AND status = 'confirmed'
		  AND reminder_sent_at IS NULL
	`, id, at)
	if err != nil {
		return false, storeErr("mark reminder sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) AnonymizePatient(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE patients
		SET first_name = $2,
		    last_name = '',
		    email = NULL,
		    phone = NULL,
		    anonymized_at = $3,
		    updated_at = $3
		WHERE id = $1
		  AND anonymized_at IS NULL
	`, id, AnonymizedName, at)
	if err != nil {
		return storeErr("anonymize patient", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&exists); err != nil {
		return storeErr("check patient", err)
	}
	if !exists {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgRepository) CreateAbsence(ctx context.Context, a *Absence) (*Absence, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin absence", err)
	}
	defer rollback(ctx, tx)

	// Waits for in-flight bookings of this provider to commit.
	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM providers WHERE id = $1 FOR UPDATE`, a.ProviderID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, storeErr("lock provider", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO absences (id, provider_id, start_date, end_date, reason, note, created_at)
		VALUES ($1, $2, $3::date, $4::date, $5, $6, now())
		RETURNING `+absenceColumns,
		a.ID, a.ProviderID, civilDate(a.StartDate), civilDate(a.EndDate), string(a.Reason), a.Note)
	created, err := scanAbsence(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit absence", err)
	}
	return created, nil
}

func (r *PgRepository) GetAbsenceByID(ctx context.Context, id uuid.UUID) (*Absence, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+absenceColumns+`
		FROM absences
		WHERE id = $1
	`, id)
	return scanAbsence(row)
}

func (r *PgRepository) DeleteAbsence(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM absences WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete absence", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAbsenceNotFound
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
