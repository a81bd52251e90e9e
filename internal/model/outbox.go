package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Domain event types drained from the outbox to the broker. The Notifier and
// read-side caches are external consumers of these channels.
const (
	EventAppointmentRequested   = "appointment.requested"
	EventAppointmentConfirmed   = "appointment.confirmed"
	EventAppointmentRejected    = "appointment.rejected"
	EventAppointmentCancelled   = "appointment.cancelled"
	EventAppointmentCompleted   = "appointment.completed"
	EventAppointmentRescheduled = "appointment.rescheduled"
	EventPaymentFailed          = "payment.failed"
	EventPaymentRefunded        = "payment.refunded"
	EventRefundPending          = "payment.refund_pending" // operator queue
	EventInvariantViolation     = "engine.invariant_violation"
	EventScheduleInvalidate     = "schedule.invalidate"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       OutboxStatus    `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// ScheduleInvalidation tells read-side caches which day's availability to
// drop after a committed slot transition.
type ScheduleInvalidation struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"` // 2006-01-02
}
