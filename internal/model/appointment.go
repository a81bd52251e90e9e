package model

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentStatusPending             AppointmentStatus = "pending"
	AppointmentStatusConfirmed           AppointmentStatus = "confirmed"
	AppointmentStatusRejected            AppointmentStatus = "rejected"
	AppointmentStatusCancelled           AppointmentStatus = "cancelled"
	AppointmentStatusCompleted           AppointmentStatus = "completed"
	AppointmentStatusRescheduleRequested AppointmentStatus = "reschedule_requested"
	AppointmentStatusRescheduled         AppointmentStatus = "rescheduled"
)

// Terminal reports whether no further transitions are allowed.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case AppointmentStatusRejected, AppointmentStatusCancelled, AppointmentStatusCompleted:
		return true
	}
	return false
}

// Cancellation reasons that refund regardless of the cutoff.
const (
	CancelReasonDoctorUnavailable = "doctor_unavailable"
	CancelReasonEmergency         = "emergency"
)

type Appointment struct {
	Base
	PatientID      uuid.UUID         `db:"patient_id" json:"patient_id"`
	DoctorID       uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	SlotID         uuid.UUID         `db:"slot_id" json:"slot_id"`
	ProposedSlotID *uuid.UUID        `db:"proposed_slot_id" json:"proposed_slot_id,omitempty"`
	RescheduleBy   *Role             `db:"reschedule_by" json:"reschedule_by,omitempty"`
	Status         AppointmentStatus `db:"status" json:"status"`
	Fee            int64             `db:"fee" json:"fee"`
	Currency       string            `db:"currency" json:"currency"`
	Reason         string            `db:"reason" json:"reason,omitempty"`
}

type EventKind string

const (
	EventKindStatusChange EventKind = "status_change"
	EventKindReschedule   EventKind = "reschedule"
	EventKindRefund       EventKind = "refund"
)

// AppointmentEvent is one immutable audit-trail entry. The kind is a closed
// tagged union: status_change carries from/to, reschedule carries old/new
// slot, refund carries the gateway reference in Reference.
type AppointmentEvent struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	AppointmentID uuid.UUID         `db:"appointment_id" json:"appointment_id"`
	Kind          EventKind         `db:"kind" json:"kind"`
	FromStatus    AppointmentStatus `db:"from_status" json:"from_status,omitempty"`
	ToStatus      AppointmentStatus `db:"to_status" json:"to_status,omitempty"`
	OldSlotID     *uuid.UUID        `db:"old_slot_id" json:"old_slot_id,omitempty"`
	NewSlotID     *uuid.UUID        `db:"new_slot_id" json:"new_slot_id,omitempty"`
	Reference     *string           `db:"reference" json:"reference,omitempty"`
	ActorID       uuid.UUID         `db:"actor_id" json:"actor_id"`
	ActorRole     Role              `db:"actor_role" json:"actor_role"`
	Reason        string            `db:"reason" json:"reason,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
}

type AppointmentDetail struct {
	Appointment
	History []*AppointmentEvent `json:"history"`
}

type AppointmentFilters struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Status    AppointmentStatus
	StartDate time.Time
	EndDate   time.Time
}

type BookAppointmentRequest struct {
	SlotID uuid.UUID `json:"slot_id" binding:"required"`
	Reason string    `json:"reason" binding:"max=1000"`
}

type AppointmentNoteRequest struct {
	Note string `json:"note" binding:"max=1000"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason" binding:"required,max=1000"`
}

type RescheduleRequest struct {
	NewSlotID uuid.UUID `json:"new_slot_id" binding:"required"`
	Reason    string    `json:"reason" binding:"max=1000"`
}
