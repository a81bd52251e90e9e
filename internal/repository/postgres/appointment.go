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

const appointmentColumns = `id, patient_id, doctor_id, slot_id, proposed_slot_id, reschedule_by, status, fee, currency, reason, created_at, updated_at`

func (r *appointmentRepository) Create(ctx context.Context, tx *sqlx.Tx, appt *model.Appointment) error {
	query := `
		INSERT INTO appointments (
			id, patient_id, doctor_id, slot_id, status, fee, currency, reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	appt.CreatedAt = time.Now()
	appt.UpdatedAt = time.Now()

	_, err := ext(r.db, tx).ExecContext(ctx, query,
		appt.ID,
		appt.PatientID,
		appt.DoctorID,
		appt.SlotID,
		appt.Status,
		appt.Fee,
		appt.Currency,
		appt.Reason,
		appt.CreatedAt,
		appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`

	var appt model.Appointment
	err := r.db.GetContext(ctx, &appt, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("appointment", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return &appt, nil
}

func (r *appointmentRepository) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filters.PatientID != uuid.Nil {
		query += fmt.Sprintf(" AND patient_id = $%d", argCount)
		args = append(args, filters.PatientID)
		argCount++
	}
	if filters.DoctorID != uuid.Nil {
		query += fmt.Sprintf(" AND doctor_id = $%d", argCount)
		args = append(args, filters.DoctorID)
		argCount++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filters.Status)
		argCount++
	}
	if !filters.StartDate.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, filters.StartDate)
		argCount++
	}
	if !filters.EndDate.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, filters.EndDate)
		argCount++
	}

	query += " ORDER BY created_at DESC"

	var appointments []*model.Appointment
	err := r.db.SelectContext(ctx, &appointments, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return appointments, nil
}

// UpdateStatus swaps the status only when the current value matches, so a
// replayed or racing transition loses instead of double-applying.
func (r *appointmentRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to model.AppointmentStatus) error {
	query := `
		UPDATE appointments
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := ext(r.db, tx).ExecContext(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to update appointment status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict(fmt.Sprintf("appointment is not %s", from), nil)
	}
	return nil
}

func (r *appointmentRepository) SetSlot(ctx context.Context, tx *sqlx.Tx, id, slotID uuid.UUID) error {
	query := `
		UPDATE appointments
		SET slot_id = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := ext(r.db, tx).ExecContext(ctx, query, id, slotID)
	if err != nil {
		return fmt.Errorf("failed to set appointment slot: %w", err)
	}
	return nil
}

func (r *appointmentRepository) SetProposedSlot(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, proposed *uuid.UUID, by *model.Role) error {
	query := `
		UPDATE appointments
		SET proposed_slot_id = $2, reschedule_by = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := ext(r.db, tx).ExecContext(ctx, query, id, proposed, by)
	if err != nil {
		return fmt.Errorf("failed to set proposed slot: %w", err)
	}
	return nil
}

func (r *appointmentRepository) AddEvent(ctx context.Context, tx *sqlx.Tx, event *model.AppointmentEvent) error {
	query := `
		INSERT INTO appointment_events (
			id, appointment_id, kind, from_status, to_status, old_slot_id,
			new_slot_id, reference, actor_id, actor_role, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	event.ID = uuid.New()
	event.CreatedAt = time.Now()

	_, err := ext(r.db, tx).ExecContext(ctx, query,
		event.ID,
		event.AppointmentID,
		event.Kind,
		event.FromStatus,
		event.ToStatus,
		event.OldSlotID,
		event.NewSlotID,
		event.Reference,
		event.ActorID,
		event.ActorRole,
		event.Reason,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add appointment event: %w", err)
	}
	return nil
}

func (r *appointmentRepository) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]*model.AppointmentEvent, error) {
	query := `
		SELECT id, appointment_id, kind, from_status, to_status, old_slot_id,
			   new_slot_id, reference, actor_id, actor_role, reason, created_at
		FROM appointment_events
		WHERE appointment_id = $1
		ORDER BY created_at ASC
	`
	var events []*model.AppointmentEvent
	err := r.db.SelectContext(ctx, &events, query, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointment events: %w", err)
	}
	return events, nil
}

func (r *appointmentRepository) FindStalePending(ctx context.Context, now time.Time) ([]*model.Appointment, error) {
	query := `
		SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.proposed_slot_id,
			   a.reschedule_by, a.status, a.fee, a.currency, a.reason,
			   a.created_at, a.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.status = 'pending'
		  AND NOT (
			s.appointment_id = a.id
			AND (s.status = 'booked' OR (s.status = 'held' AND s.held_until >= $1))
		  )
	`
	var appointments []*model.Appointment
	err := r.db.SelectContext(ctx, &appointments, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale pending appointments: %w", err)
	}
	return appointments, nil
}

func (r *appointmentRepository) FindConfirmedWithUnbookedSlot(ctx context.Context) ([]*model.Appointment, error) {
	query := `
		SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.proposed_slot_id,
			   a.reschedule_by, a.status, a.fee, a.currency, a.reason,
			   a.created_at, a.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.status = 'confirmed'
		  AND (s.status != 'booked' OR s.appointment_id IS DISTINCT FROM a.id)
	`
	var appointments []*model.Appointment
	err := r.db.SelectContext(ctx, &appointments, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find confirmed appointments with unbooked slots: %w", err)
	}
	return appointments, nil
}
