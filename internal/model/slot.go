package model

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotStatusOpen   SlotStatus = "open"
	SlotStatusHeld   SlotStatus = "held"
	SlotStatusBooked SlotStatus = "booked"
)

// Slot is a discrete bookable time window for one doctor. At most one
// appointment ever binds to a slot; the only path to booked is through held.
type Slot struct {
	Base
	DoctorID      uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Date          time.Time  `db:"date" json:"date"`
	StartTime     time.Time  `db:"start_time" json:"start_time"`
	EndTime       time.Time  `db:"end_time" json:"end_time"`
	Status        SlotStatus `db:"status" json:"status"`
	AppointmentID *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	HeldUntil     *time.Time `db:"held_until" json:"held_until,omitempty"`
}

// HoldExpired reports whether a held slot's lease has lapsed. Expired holds
// are reclaimable by any reader.
func (s *Slot) HoldExpired(now time.Time) bool {
	return s.Status == SlotStatusHeld && s.HeldUntil != nil && s.HeldUntil.Before(now)
}
