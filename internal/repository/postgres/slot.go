package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medibook/booking-api/internal/model"
	apperrors "github.com/medibook/booking-api/pkg/errors"
)

const slotColumns = `id, doctor_id, date, start_time, end_time, status, appointment_id, held_until, created_at, updated_at`

// BulkInsert writes generated slots, skipping any (doctor_id, date,
// start_time) that already exists regardless of its current status. This is
// what makes re-running generation idempotent.
func (r *slotRepository) BulkInsert(ctx context.Context, slots []*model.Slot) (int64, error) {
	if len(slots) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO slots (
			id, doctor_id, date, start_time, end_time, status, created_at, updated_at
		) VALUES (:id, :doctor_id, :date, :start_time, :end_time, :status, :created_at, :updated_at)
		ON CONFLICT (doctor_id, date, start_time) DO NOTHING
	`
	now := time.Now()
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.Status = model.SlotStatusOpen
		s.CreatedAt = now
		s.UpdatedAt = now
	}

	result, err := r.db.NamedExecContext(ctx, query, slots)
	if err != nil {
		return 0, fmt.Errorf("failed to insert slots: %w", err)
	}
	return result.RowsAffected()
}

func (r *slotRepository) Get(ctx context.Context, id uuid.UUID) (*model.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`

	var slot model.Slot
	err := r.db.GetContext(ctx, &slot, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("slot", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &slot, nil
}

func (r *slotRepository) ListForDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE doctor_id = $1 AND date = $2
		ORDER BY start_time ASC
	`
	var slots []*model.Slot
	err := r.db.SelectContext(ctx, &slots, query, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

// TryHold is the concurrency linchpin: a single conditional write that only
// one of N racing bookings can win. An expired hold counts as open so any
// caller can reclaim it lazily.
func (r *slotRepository) TryHold(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID, heldUntil time.Time) error {
	query := `
		UPDATE slots
		SET status = 'held', appointment_id = $2, held_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (status = 'open' OR (status = 'held' AND held_until < NOW()))
	`
	result, err := ext(r.db, tx).ExecContext(ctx, query, slotID, appointmentID, heldUntil)
	if err != nil {
		return fmt.Errorf("failed to hold slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict("slot is no longer available", nil)
	}
	return nil
}

func (r *slotRepository) Confirm(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID) error {
	query := `
		UPDATE slots
		SET status = 'booked', held_until = NULL, updated_at = NOW()
		WHERE id = $1
		  AND appointment_id = $2
		  AND (status = 'booked' OR (status = 'held' AND held_until >= NOW()))
	`
	result, err := ext(r.db, tx).ExecContext(ctx, query, slotID, appointmentID)
	if err != nil {
		return fmt.Errorf("failed to confirm slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict("slot hold is stale or bound elsewhere", nil)
	}
	return nil
}

func (r *slotRepository) Release(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID) error {
	query := `
		UPDATE slots
		SET status = 'open', appointment_id = NULL, held_until = NULL, updated_at = NOW()
		WHERE id = $1
		  AND appointment_id = $2
		  AND status IN ('held', 'booked')
	`
	_, err := ext(r.db, tx).ExecContext(ctx, query, slotID, appointmentID)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	// Zero rows is fine: the hold may already have expired and been reclaimed.
	return nil
}

func (r *slotRepository) ExtendHold(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID, heldUntil time.Time) error {
	query := `
		UPDATE slots
		SET held_until = $3, updated_at = NOW()
		WHERE id = $1 AND appointment_id = $2 AND status = 'held'
	`
	result, err := ext(r.db, tx).ExecContext(ctx, query, slotID, appointmentID, heldUntil)
	if err != nil {
		return fmt.Errorf("failed to extend hold: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict("slot hold is stale or bound elsewhere", nil)
	}
	return nil
}

// ExpireHolds reverts lapsed holds in bulk. Run periodically by the worker;
// lazy reclamation in TryHold keeps this a liveness optimization, not a
// correctness requirement.
func (r *slotRepository) ExpireHolds(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE slots
		SET status = 'open', appointment_id = NULL, held_until = NULL, updated_at = NOW()
		WHERE status = 'held' AND held_until < $1
	`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire holds: %w", err)
	}
	return result.RowsAffected()
}

func (r *slotRepository) FindBlocking(ctx context.Context, doctorID uuid.UUID, start, end time.Time, now time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE doctor_id = $1
		  AND start_time < $3
		  AND end_time > $2
		  AND (status = 'booked' OR (status = 'held' AND held_until >= $4))
	`
	var slots []*model.Slot
	err := r.db.SelectContext(ctx, &slots, query, doctorID, start, end, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find blocking slots: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) DeleteOpenInWindow(ctx context.Context, tx *sqlx.Tx, doctorID uuid.UUID, start, end time.Time) (int64, error) {
	query := `
		DELETE FROM slots
		WHERE doctor_id = $1
		  AND start_time < $3
		  AND end_time > $2
		  AND status = 'open'
	`
	result, err := ext(r.db, tx).ExecContext(ctx, query, doctorID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to delete open slots: %w", err)
	}
	return result.RowsAffected()
}

func (r *slotRepository) FindBookedMismatches(ctx context.Context) ([]*model.Slot, error) {
	query := `
		SELECT s.id, s.doctor_id, s.date, s.start_time, s.end_time, s.status,
			   s.appointment_id, s.held_until, s.created_at, s.updated_at
		FROM slots s
		LEFT JOIN appointments a ON a.id = s.appointment_id
		WHERE s.status = 'booked'
		  AND (s.appointment_id IS NULL OR a.status NOT IN ('confirmed', 'completed'))
	`
	var slots []*model.Slot
	err := r.db.SelectContext(ctx, &slots, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find booked mismatches: %w", err)
	}
	return slots, nil
}
