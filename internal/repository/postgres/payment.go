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

const paymentColumns = `id, appointment_id, amount, currency, gateway_reference, status, created_at, updated_at`

func (r *paymentRepository) Create(ctx context.Context, tx *sqlx.Tx, payment *model.Payment) error {
	query := `
		INSERT INTO payments (
			id, appointment_id, amount, currency, gateway_reference, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = time.Now()

	_, err := ext(r.db, tx).ExecContext(ctx, query,
		payment.ID,
		payment.AppointmentID,
		payment.Amount,
		payment.Currency,
		payment.GatewayReference,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	var payment model.Payment
	err := r.db.GetContext(ctx, &payment, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("payment", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

func (r *paymentRepository) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE appointment_id = $1`

	var payment model.Payment
	err := r.db.GetContext(ctx, &payment, query, appointmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("payment", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment by appointment: %w", err)
	}
	return &payment, nil
}

// GetByReference looks a payment up by the gateway's unique transaction
// reference, the idempotency key for webhook processing.
func (r *paymentRepository) GetByReference(ctx context.Context, reference string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_reference = $1`

	var payment model.Payment
	err := r.db.GetContext(ctx, &payment, query, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("payment", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment by reference: %w", err)
	}
	return &payment, nil
}

func (r *paymentRepository) SetGatewayReference(ctx context.Context, id uuid.UUID, reference string) error {
	query := `
		UPDATE payments
		SET gateway_reference = $2, updated_at = NOW()
		WHERE id = $1 AND (gateway_reference = '' OR gateway_reference = $2)
	`
	result, err := r.db.ExecContext(ctx, query, id, reference)
	if err != nil {
		return fmt.Errorf("failed to set gateway reference: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict("payment already carries a different gateway reference", nil)
	}
	return nil
}

func (r *paymentRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to model.PaymentStatus) error {
	query := `
		UPDATE payments
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := ext(r.db, tx).ExecContext(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict(fmt.Sprintf("payment is not %s", from), nil)
	}
	return nil
}
