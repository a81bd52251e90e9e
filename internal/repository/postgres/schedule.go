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

// UpsertWorkingHours supersedes the previous profile version for the doctor.
func (r *scheduleRepository) UpsertWorkingHours(ctx context.Context, profile *model.WorkingHoursProfile) error {
	query := `
		INSERT INTO working_hours_profiles (
			id, doctor_id, working_hours, appointment_duration, slot_interval,
			buffer_time, max_daily_appointments, consultation_fee, currency,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
		ON CONFLICT (doctor_id) DO UPDATE SET
			working_hours = EXCLUDED.working_hours,
			appointment_duration = EXCLUDED.appointment_duration,
			slot_interval = EXCLUDED.slot_interval,
			buffer_time = EXCLUDED.buffer_time,
			max_daily_appointments = EXCLUDED.max_daily_appointments,
			consultation_fee = EXCLUDED.consultation_fee,
			currency = EXCLUDED.currency,
			version = working_hours_profiles.version + 1,
			updated_at = EXCLUDED.updated_at
	`
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	profile.CreatedAt = time.Now()
	profile.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		profile.ID,
		profile.DoctorID,
		profile.WorkingHours,
		profile.AppointmentDuration,
		profile.SlotInterval,
		profile.BufferTime,
		profile.MaxDailyAppointments,
		profile.ConsultationFee,
		profile.Currency,
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert working hours: %w", err)
	}
	return nil
}

func (r *scheduleRepository) GetWorkingHours(ctx context.Context, doctorID uuid.UUID) (*model.WorkingHoursProfile, error) {
	query := `
		SELECT id, doctor_id, working_hours, appointment_duration, slot_interval,
			   buffer_time, max_daily_appointments, consultation_fee, currency,
			   version, created_at, updated_at
		FROM working_hours_profiles
		WHERE doctor_id = $1
	`
	var profile model.WorkingHoursProfile
	err := r.db.GetContext(ctx, &profile, query, doctorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("working hours profile", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get working hours: %w", err)
	}
	return &profile, nil
}

func (r *scheduleRepository) CreateBlockedTime(ctx context.Context, tx *sqlx.Tx, blocked *model.BlockedTime) error {
	query := `
		INSERT INTO blocked_times (
			id, doctor_id, date, start_time, end_time, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	blocked.ID = uuid.New()
	blocked.CreatedAt = time.Now()
	blocked.UpdatedAt = time.Now()

	_, err := ext(r.db, tx).ExecContext(ctx, query,
		blocked.ID,
		blocked.DoctorID,
		blocked.Date,
		blocked.StartTime,
		blocked.EndTime,
		blocked.Reason,
		blocked.CreatedAt,
		blocked.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create blocked time: %w", err)
	}
	return nil
}

func (r *scheduleRepository) ListBlockedTimes(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*model.BlockedTime, error) {
	query := `
		SELECT id, doctor_id, date, start_time, end_time, reason, created_at, updated_at
		FROM blocked_times
		WHERE doctor_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, start_time
	`
	var blocked []*model.BlockedTime
	err := r.db.SelectContext(ctx, &blocked, query, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked times: %w", err)
	}
	return blocked, nil
}
