package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
)

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entry is one queued notification event.
type Entry struct {
	ID            uuid.UUID
	DedupeKey     string
	Kind          appointment.EventKind
	AppointmentID uuid.UUID
	Payload       json.RawMessage
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStore queues notification events in Postgres for the relay. It is
// the Notifier the booking service writes to after a change has committed,
// in a statement of its own, so a crash between the two loses the event.
// Delivery from the queue to the publisher is at least once.
type OutboxStore struct {
	pool execQuerier
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("notify: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func newOutboxStoreWithExec(pool execQuerier) *OutboxStore {
	return &OutboxStore{pool: pool}
}

var _ appointment.Notifier = (*OutboxStore)(nil)

// Notify queues ev. An event with an already queued dedupe key is dropped.
func (s *OutboxStore) Notify(ctx context.Context, ev appointment.NotificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	query := `
		INSERT INTO notification_outbox (id, dedupe_key, kind, appointment_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedupe_key) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, ev.ID, ev.DedupeKey(), string(ev.Kind), ev.AppointmentID, data); err != nil {
		return fmt.Errorf("notify: insert outbox: %w", err)
	}
	return nil
}

// FetchPending returns undelivered entries that still have attempts left,
// oldest first.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int32, maxAttempts int) ([]Entry, error) {
	query := `
		SELECT id, dedupe_key, kind, appointment_id, payload, attempts, created_at
		FROM notification_outbox
		WHERE delivered_at IS NULL
		  AND attempts < $2
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("notify: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var kind string
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.DedupeKey, &kind, &entry.AppointmentID, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
		entry.Kind = appointment.EventKind(kind)
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE notification_outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("notify: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed records a failed delivery attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	query := `
		UPDATE notification_outbox
		SET attempts = attempts + 1,
		    last_error = $2
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, cause.Error()); err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
