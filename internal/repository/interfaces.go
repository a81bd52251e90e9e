package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medibook/booking-api/internal/model"
)

// All repository interfaces in one file. Methods taking a *sqlx.Tx
// participate in a caller-managed transaction; passing nil runs against the
// plain connection. Conditional writes return a Conflict error when the
// expected current state does not match, never silently zero rows.
type (
	// TxManager runs a unit of work in one storage transaction.
	TxManager interface {
		RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	}

	ScheduleRepository interface {
		UpsertWorkingHours(ctx context.Context, profile *model.WorkingHoursProfile) error
		GetWorkingHours(ctx context.Context, doctorID uuid.UUID) (*model.WorkingHoursProfile, error)
		CreateBlockedTime(ctx context.Context, tx *sqlx.Tx, blocked *model.BlockedTime) error
		ListBlockedTimes(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*model.BlockedTime, error)
	}

	SlotRepository interface {
		BulkInsert(ctx context.Context, slots []*model.Slot) (int64, error)
		Get(ctx context.Context, id uuid.UUID) (*model.Slot, error)
		ListForDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*model.Slot, error)

		// TryHold succeeds only while the slot is open (or its previous hold
		// lapsed), atomically binding it to the appointment.
		TryHold(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID, heldUntil time.Time) error
		// Confirm moves held -> booked for a live hold with a matching
		// appointment; booked with the same appointment is a no-op success.
		Confirm(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID) error
		// Release moves held|booked -> open and clears the binding.
		Release(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID) error
		ExtendHold(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID, heldUntil time.Time) error
		ExpireHolds(ctx context.Context, now time.Time) (int64, error)

		// FindBlocking returns booked or live-held slots overlapping the window.
		FindBlocking(ctx context.Context, doctorID uuid.UUID, start, end time.Time, now time.Time) ([]*model.Slot, error)
		DeleteOpenInWindow(ctx context.Context, tx *sqlx.Tx, doctorID uuid.UUID, start, end time.Time) (int64, error)
		// FindBookedMismatches returns booked slots whose appointment is not
		// confirmed or completed.
		FindBookedMismatches(ctx context.Context) ([]*model.Slot, error)
	}

	AppointmentRepository interface {
		Create(ctx context.Context, tx *sqlx.Tx, appt *model.Appointment) error
		Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
		List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error)
		// UpdateStatus is a compare-and-swap on status.
		UpdateStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to model.AppointmentStatus) error
		SetSlot(ctx context.Context, tx *sqlx.Tx, id, slotID uuid.UUID) error
		SetProposedSlot(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, proposed *uuid.UUID, by *model.Role) error
		AddEvent(ctx context.Context, tx *sqlx.Tx, event *model.AppointmentEvent) error
		ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]*model.AppointmentEvent, error)
		// FindStalePending returns pending appointments whose slot hold is
		// gone (expired and reclaimed, or re-held by someone else).
		FindStalePending(ctx context.Context, now time.Time) ([]*model.Appointment, error)
		FindConfirmedWithUnbookedSlot(ctx context.Context) ([]*model.Appointment, error)
	}

	PaymentRepository interface {
		Create(ctx context.Context, tx *sqlx.Tx, payment *model.Payment) error
		Get(ctx context.Context, id uuid.UUID) (*model.Payment, error)
		GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*model.Payment, error)
		GetByReference(ctx context.Context, reference string) (*model.Payment, error)
		SetGatewayReference(ctx context.Context, id uuid.UUID, reference string) error
		// UpdateStatus is a compare-and-swap on status; replayed webhooks
		// lose the swap and are treated as no-ops by the caller.
		UpdateStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to model.PaymentStatus) error
	}

	OutboxRepository interface {
		Create(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error
		GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)
