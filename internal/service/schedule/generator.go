package schedule

import (
	"time"

	"github.com/medibook/booking-api/internal/model"
)

type window struct {
	start time.Time
	end   time.Time
}

func (w window) overlaps(start, end time.Time) bool {
	return w.start.Before(end) && w.end.After(start)
}

// clockAt anchors an "HH:MM" string on the given day. Malformed entries are
// rejected during profile validation, so parse errors here yield a zero time
// and the day is skipped.
func clockAt(day time.Time, clock string) (time.Time, bool) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), true
}

// generateSlots deterministically expands the weekly template into candidate
// slots over [startDate, endDate], both inclusive, skipping breaks and
// blocked windows. The walk advances by appointmentDuration+bufferTime after
// each emitted slot and by slotInterval past a skipped candidate.
func generateSlots(profile *model.WorkingHoursProfile, blocked []*model.BlockedTime, startDate, endDate time.Time) []*model.Slot {
	duration := time.Duration(profile.AppointmentDuration) * time.Minute
	interval := time.Duration(profile.SlotInterval) * time.Minute
	buffer := time.Duration(profile.BufferTime) * time.Minute

	blockedByDay := make(map[string][]window)
	for _, b := range blocked {
		start, okS := clockAt(b.Date, b.StartTime)
		end, okE := clockAt(b.Date, b.EndTime)
		if !okS || !okE {
			continue
		}
		dayKey := b.Date.Format("2006-01-02")
		blockedByDay[dayKey] = append(blockedByDay[dayKey], window{start, end})
	}

	var slots []*model.Slot
	for day := startDate; !day.After(endDate); day = day.AddDate(0, 0, 1) {
		entry, ok := profile.WorkingHours.ForDay(day.Weekday())
		if !ok {
			continue
		}
		dayStart, okS := clockAt(day, entry.StartTime)
		dayEnd, okE := clockAt(day, entry.EndTime)
		if !okS || !okE || !dayStart.Before(dayEnd) {
			continue
		}

		exclusions := append([]window(nil), blockedByDay[day.Format("2006-01-02")]...)
		for _, br := range entry.Breaks {
			brStart, okS := clockAt(day, br.StartTime)
			brEnd, okE := clockAt(day, br.EndTime)
			if okS && okE {
				exclusions = append(exclusions, window{brStart, brEnd})
			}
		}

		emitted := 0
		for cursor := dayStart; !cursor.Add(duration).After(dayEnd); {
			if emitted >= profile.MaxDailyAppointments {
				break
			}
			candidateEnd := cursor.Add(duration)
			if excluded(exclusions, cursor, candidateEnd) {
				cursor = cursor.Add(interval)
				continue
			}
			slots = append(slots, &model.Slot{
				DoctorID:  profile.DoctorID,
				Date:      day,
				StartTime: cursor,
				EndTime:   candidateEnd,
				Status:    model.SlotStatusOpen,
			})
			emitted++
			cursor = cursor.Add(duration + buffer)
		}
	}
	return slots
}

func excluded(exclusions []window, start, end time.Time) bool {
	for _, w := range exclusions {
		if w.overlaps(start, end) {
			return true
		}
	}
	return false
}
