package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medibook/booking-api/internal/cache"
	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository"
	"github.com/medibook/booking-api/internal/service/event"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

const dateLayout = "2006-01-02"

type Config struct {
	// MaxGenerationDays caps the span of one generation request.
	MaxGenerationDays int
}

type Service struct {
	scheduleRepo repository.ScheduleRepository
	slotRepo     repository.SlotRepository
	txm          repository.TxManager
	events       *event.Service
	availability *cache.Availability
	metrics      *metrics.Metrics
	cfg          Config
	now          func() time.Time
}

func NewService(
	scheduleRepo repository.ScheduleRepository,
	slotRepo repository.SlotRepository,
	txm repository.TxManager,
	events *event.Service,
	availability *cache.Availability,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if cfg.MaxGenerationDays <= 0 {
		cfg.MaxGenerationDays = 90
	}
	return &Service{
		scheduleRepo: scheduleRepo,
		slotRepo:     slotRepo,
		txm:          txm,
		events:       events,
		availability: availability,
		metrics:      m,
		cfg:          cfg,
		now:          time.Now,
	}
}

func (s *Service) requireOwner(actor model.Actor, doctorID uuid.UUID) error {
	if actor.Role == model.RoleAdmin {
		return nil
	}
	if actor.Role == model.RoleDoctor && actor.ID == doctorID {
		return nil
	}
	return apperrors.Forbidden("only the owning doctor may manage this schedule")
}

// UpsertWorkingHours replaces the doctor's weekly template. The previous
// profile is superseded, never deleted; the version counter records that.
func (s *Service) UpsertWorkingHours(ctx context.Context, actor model.Actor, doctorID uuid.UUID, req *model.UpsertWorkingHoursRequest) (*model.WorkingHoursProfile, error) {
	if err := s.requireOwner(actor, doctorID); err != nil {
		return nil, err
	}
	if err := validateWeeklyHours(req.WorkingHours); err != nil {
		return nil, err
	}

	profile := &model.WorkingHoursProfile{
		DoctorID:             doctorID,
		WorkingHours:         model.WeeklyHours(req.WorkingHours),
		AppointmentDuration:  req.AppointmentDuration,
		SlotInterval:         req.SlotInterval,
		BufferTime:           req.BufferTime,
		MaxDailyAppointments: req.MaxDailyAppointments,
		ConsultationFee:      req.ConsultationFee,
		Currency:             req.Currency,
	}
	if err := s.scheduleRepo.UpsertWorkingHours(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to upsert working hours: %w", err)
	}
	return profile, nil
}

func (s *Service) GetWorkingHours(ctx context.Context, doctorID uuid.UUID) (*model.WorkingHoursProfile, error) {
	return s.scheduleRepo.GetWorkingHours(ctx, doctorID)
}

// GenerateSlots expands the weekly template into slot rows over the range.
// Re-running over an overlapping range is idempotent: existing
// (doctor, date, start) keys are skipped by the storage layer regardless of
// their current status.
func (s *Service) GenerateSlots(ctx context.Context, actor model.Actor, doctorID uuid.UUID, startDate, endDate string) (int64, error) {
	if err := s.requireOwner(actor, doctorID); err != nil {
		return 0, err
	}

	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return 0, apperrors.Validation("invalid start date", err)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return 0, apperrors.Validation("invalid end date", err)
	}
	if end.Before(start) {
		return 0, apperrors.Validation("end date precedes start date", nil)
	}
	if int(end.Sub(start).Hours()/24)+1 > s.cfg.MaxGenerationDays {
		return 0, apperrors.Validation(fmt.Sprintf("range exceeds %d days", s.cfg.MaxGenerationDays), nil)
	}

	profile, err := s.scheduleRepo.GetWorkingHours(ctx, doctorID)
	if err != nil {
		return 0, err
	}

	blocked, err := s.scheduleRepo.ListBlockedTimes(ctx, doctorID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to list blocked times: %w", err)
	}

	candidates := generateSlots(profile, blocked, start, end)
	inserted, err := s.slotRepo.BulkInsert(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("failed to insert slots: %w", err)
	}

	if inserted > 0 {
		s.metrics.SlotsGenerated.Add(float64(inserted))
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			if s.availability != nil {
				s.availability.Invalidate(doctorID, day)
			}
		}
		if err := s.events.EmitScheduleInvalidation(ctx, nil, doctorID, start); err != nil {
			return inserted, fmt.Errorf("failed to emit invalidation: %w", err)
		}
	}
	return inserted, nil
}

// ListSlots returns the doctor's slots for a date. Expired holds are
// presented as open; reclamation happens lazily on the next hold attempt.
func (s *Service) ListSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]*model.Slot, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, apperrors.Validation("invalid date", err)
	}

	if s.availability != nil {
		if slots, ok := s.availability.Get(doctorID, day); ok {
			return slots, nil
		}
	}

	slots, err := s.slotRepo.ListForDate(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, slot := range slots {
		if slot.HoldExpired(now) {
			slot.Status = model.SlotStatusOpen
			slot.AppointmentID = nil
			slot.HeldUntil = nil
		}
	}

	if s.availability != nil {
		s.availability.Set(doctorID, day, slots)
	}
	return slots, nil
}

// CreateBlockedTime layers an ad-hoc exclusion over the template. It refuses
// to orphan a booked (or live-held) slot and removes the open slots it
// covers in the same transaction.
func (s *Service) CreateBlockedTime(ctx context.Context, actor model.Actor, doctorID uuid.UUID, req *model.CreateBlockedTimeRequest) (*model.BlockedTime, error) {
	if err := s.requireOwner(actor, doctorID); err != nil {
		return nil, err
	}

	day, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		return nil, apperrors.Validation("invalid date", err)
	}
	start, ok := clockAt(day, req.StartTime)
	if !ok {
		return nil, apperrors.Validation("invalid start time", nil)
	}
	end, ok := clockAt(day, req.EndTime)
	if !ok {
		return nil, apperrors.Validation("invalid end time", nil)
	}
	if !start.Before(end) {
		return nil, apperrors.Validation("end time precedes start time", nil)
	}

	blocking, err := s.slotRepo.FindBlocking(ctx, doctorID, start, end, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to check for booked slots: %w", err)
	}
	if len(blocking) > 0 {
		return nil, apperrors.Conflict("blocked time would cover a booked slot", nil)
	}

	blocked := &model.BlockedTime{
		DoctorID:  doctorID,
		Date:      day,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Reason:    req.Reason,
	}
	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.scheduleRepo.CreateBlockedTime(ctx, tx, blocked); err != nil {
			return err
		}
		if _, err := s.slotRepo.DeleteOpenInWindow(ctx, tx, doctorID, start, end); err != nil {
			return err
		}
		return s.events.EmitScheduleInvalidation(ctx, tx, doctorID, day)
	})
	if err != nil {
		return nil, err
	}

	if s.availability != nil {
		s.availability.Invalidate(doctorID, day)
	}
	return blocked, nil
}

// validateWeeklyHours enforces the template invariant: breaks fully inside
// their day's window and mutually non-overlapping.
func validateWeeklyHours(days []model.DaySchedule) error {
	seen := make(map[time.Weekday]bool)
	anchor := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range days {
		if seen[d.Day] {
			return apperrors.Validation(fmt.Sprintf("duplicate entry for %s", d.Day), nil)
		}
		seen[d.Day] = true

		start, okS := clockAt(anchor, d.StartTime)
		end, okE := clockAt(anchor, d.EndTime)
		if !okS || !okE {
			return apperrors.Validation(fmt.Sprintf("malformed times for %s", d.Day), nil)
		}
		if !start.Before(end) {
			return apperrors.Validation(fmt.Sprintf("window for %s ends before it starts", d.Day), nil)
		}

		var breaks []window
		for _, br := range d.Breaks {
			brStart, okS := clockAt(anchor, br.StartTime)
			brEnd, okE := clockAt(anchor, br.EndTime)
			if !okS || !okE {
				return apperrors.Validation(fmt.Sprintf("malformed break times for %s", d.Day), nil)
			}
			if !brStart.Before(brEnd) {
				return apperrors.Validation(fmt.Sprintf("break for %s ends before it starts", d.Day), nil)
			}
			if brStart.Before(start) || brEnd.After(end) {
				return apperrors.Validation(fmt.Sprintf("break for %s falls outside the working window", d.Day), nil)
			}
			for _, other := range breaks {
				if other.overlaps(brStart, brEnd) {
					return apperrors.Validation(fmt.Sprintf("overlapping breaks for %s", d.Day), nil)
				}
			}
			breaks = append(breaks, window{brStart, brEnd})
		}
	}
	return nil
}
