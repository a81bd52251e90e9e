package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Break is a pause inside a working day, "HH:MM" 24h format.
type Break struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// DaySchedule is one weekday entry of the weekly template.
type DaySchedule struct {
	Day       time.Weekday `json:"day"`
	StartTime string       `json:"start_time"`
	EndTime   string       `json:"end_time"`
	Breaks    []Break      `json:"breaks,omitempty"`
}

// WeeklyHours is the full weekly template, stored as a JSONB column.
type WeeklyHours []DaySchedule

func (w WeeklyHours) Value() (driver.Value, error) {
	return json.Marshal(w)
}

func (w *WeeklyHours) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for WeeklyHours", src)
	}
	return json.Unmarshal(b, w)
}

// ForDay returns the template entry for the given weekday, if any.
func (w WeeklyHours) ForDay(day time.Weekday) (DaySchedule, bool) {
	for _, d := range w {
		if d.Day == day {
			return d, true
		}
	}
	return DaySchedule{}, false
}

// WorkingHoursProfile holds a doctor's weekly availability template and the
// slot-generation parameters. Mutated only by the owning doctor; superseded,
// never deleted.
type WorkingHoursProfile struct {
	Base
	DoctorID             uuid.UUID   `db:"doctor_id" json:"doctor_id"`
	WorkingHours         WeeklyHours `db:"working_hours" json:"working_hours"`
	AppointmentDuration  int         `db:"appointment_duration" json:"appointment_duration"` // minutes
	SlotInterval         int         `db:"slot_interval" json:"slot_interval"`               // minutes
	BufferTime           int         `db:"buffer_time" json:"buffer_time"`                   // minutes
	MaxDailyAppointments int         `db:"max_daily_appointments" json:"max_daily_appointments"`
	ConsultationFee      int64       `db:"consultation_fee" json:"consultation_fee"` // minor units
	Currency             string      `db:"currency" json:"currency"`
	Version              int         `db:"version" json:"version"`
}

// BlockedTime is an ad-hoc exclusion layered on top of the weekly template.
type BlockedTime struct {
	Base
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Date      time.Time `db:"date" json:"date"`
	StartTime string    `db:"start_time" json:"start_time"` // "HH:MM"
	EndTime   string    `db:"end_time" json:"end_time"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
}

type UpsertWorkingHoursRequest struct {
	WorkingHours         []DaySchedule `json:"working_hours" binding:"required,min=1"`
	AppointmentDuration  int           `json:"appointment_duration" binding:"required,min=5,max=240"`
	SlotInterval         int           `json:"slot_interval" binding:"required,min=5,max=240"`
	BufferTime           int           `json:"buffer_time" binding:"min=0,max=120"`
	MaxDailyAppointments int           `json:"max_daily_appointments" binding:"required,min=1"`
	ConsultationFee      int64         `json:"consultation_fee" binding:"required,min=0"`
	Currency             string        `json:"currency" binding:"required,len=3"`
}

type GenerateSlotsRequest struct {
	StartDate string `json:"start_date" binding:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" binding:"required,datetime=2006-01-02"`
}

type CreateBlockedTimeRequest struct {
	Date      string `json:"date" binding:"required,datetime=2006-01-02"`
	StartTime string `json:"start_time" binding:"required,datetime=15:04"`
	EndTime   string `json:"end_time" binding:"required,datetime=15:04"`
	Reason    string `json:"reason" binding:"max=500"`
}
