package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/medibook/booking-api/internal/cache"
	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository"
	"github.com/medibook/booking-api/internal/service/event"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

// Refunder settles a paid appointment back to the patient. Implemented by the
// payment service; declared here so booking does not depend on it directly.
type Refunder interface {
	RefundAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) error
}

type Config struct {
	// HoldTTL bounds how long a pending booking keeps its slot.
	HoldTTL time.Duration
	// CancellationCutoff is the minimum lead time before the slot start for
	// a cancellation to refund.
	CancellationCutoff time.Duration
}

type Service struct {
	appointmentRepo repository.AppointmentRepository
	slotRepo        repository.SlotRepository
	paymentRepo     repository.PaymentRepository
	scheduleRepo    repository.ScheduleRepository
	txm             repository.TxManager
	events          *event.Service
	refunder        Refunder
	availability    *cache.Availability
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	cfg             Config
	now             func() time.Time
}

func NewService(
	appointmentRepo repository.AppointmentRepository,
	slotRepo repository.SlotRepository,
	paymentRepo repository.PaymentRepository,
	scheduleRepo repository.ScheduleRepository,
	txm repository.TxManager,
	events *event.Service,
	refunder Refunder,
	availability *cache.Availability,
	m *metrics.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 15 * time.Minute
	}
	if cfg.CancellationCutoff <= 0 {
		cfg.CancellationCutoff = 24 * time.Hour
	}
	return &Service{
		appointmentRepo: appointmentRepo,
		slotRepo:        slotRepo,
		paymentRepo:     paymentRepo,
		scheduleRepo:    scheduleRepo,
		txm:             txm,
		events:          events,
		refunder:        refunder,
		availability:    availability,
		metrics:         m,
		logger:          logger,
		cfg:             cfg,
		now:             time.Now,
	}
}

func (s *Service) invalidateDay(doctorID uuid.UUID, date time.Time) {
	if s.availability != nil {
		s.availability.Invalidate(doctorID, date)
	}
}

func (s *Service) statusEvent(appt *model.Appointment, from, to model.AppointmentStatus, actor model.Actor, reason string) *model.AppointmentEvent {
	return &model.AppointmentEvent{
		AppointmentID: appt.ID,
		Kind:          model.EventKindStatusChange,
		FromStatus:    from,
		ToStatus:      to,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Reason:        reason,
	}
}

// Book holds a slot and creates a pending appointment plus its initiated
// payment in one transaction. The winner of a contended slot is decided by
// the conditional hold; losers get a Conflict.
func (s *Service) Book(ctx context.Context, actor model.Actor, doctorID uuid.UUID, req *model.BookAppointmentRequest) (*model.Appointment, error) {
	if actor.Role != model.RolePatient {
		return nil, apperrors.Forbidden("only patients may book appointments")
	}

	slot, err := s.slotRepo.Get(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.DoctorID != doctorID {
		return nil, apperrors.Validation("slot does not belong to this doctor", nil)
	}
	now := s.now()
	if !slot.StartTime.After(now) {
		return nil, apperrors.Validation("slot is in the past", nil)
	}

	profile, err := s.scheduleRepo.GetWorkingHours(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	appt := &model.Appointment{
		PatientID: actor.ID,
		DoctorID:  doctorID,
		SlotID:    slot.ID,
		Status:    model.AppointmentStatusPending,
		Fee:       profile.ConsultationFee,
		Currency:  profile.Currency,
		Reason:    req.Reason,
	}
	appt.ID = uuid.New()

	heldUntil := now.Add(s.cfg.HoldTTL)
	if heldUntil.After(slot.StartTime) {
		heldUntil = slot.StartTime
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.slotRepo.TryHold(ctx, tx, slot.ID, appt.ID, heldUntil); err != nil {
			return err
		}
		if err := s.appointmentRepo.Create(ctx, tx, appt); err != nil {
			return err
		}
		payment := &model.Payment{
			AppointmentID: appt.ID,
			Amount:        appt.Fee,
			Currency:      appt.Currency,
			Status:        model.PaymentStatusInitiated,
		}
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, s.statusEvent(appt, "", model.AppointmentStatusPending, actor, req.Reason)); err != nil {
			return err
		}
		if err := s.events.Emit(ctx, tx, model.EventAppointmentRequested, appt); err != nil {
			return err
		}
		return s.events.EmitScheduleInvalidation(ctx, tx, doctorID, slot.Date)
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			s.metrics.SlotHoldConflicts.Inc()
			s.metrics.BookingAttempts.WithLabelValues("conflict").Inc()
		} else {
			s.metrics.BookingAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	s.metrics.BookingAttempts.WithLabelValues("success").Inc()
	s.invalidateDay(doctorID, slot.Date)
	return appt, nil
}

// Accept confirms a pending appointment. The payment must already be settled;
// unpaid bookings are confirmed by the payment webhook instead.
func (s *Service) Accept(ctx context.Context, actor model.Actor, appointmentID uuid.UUID) (*model.Appointment, error) {
	appt, err := s.ownedByDoctor(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != model.AppointmentStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, not pending", appt.Status), nil)
	}

	payment, err := s.paymentRepo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != model.PaymentStatusPaid {
		return nil, apperrors.Conflict("payment not settled", nil)
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.slotRepo.Confirm(ctx, tx, appt.SlotID, appt.ID); err != nil {
			return err
		}
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusPending, model.AppointmentStatusConfirmed); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, s.statusEvent(appt, model.AppointmentStatusPending, model.AppointmentStatusConfirmed, actor, "")); err != nil {
			return err
		}
		return s.events.Emit(ctx, tx, model.EventAppointmentConfirmed, appt)
	})
	if err != nil {
		return nil, err
	}

	appt.Status = model.AppointmentStatusConfirmed
	return appt, nil
}

// Reject declines a pending appointment and frees its slot. A settled payment
// is refunded in full.
func (s *Service) Reject(ctx context.Context, actor model.Actor, appointmentID uuid.UUID, reason string) (*model.Appointment, error) {
	appt, err := s.ownedByDoctor(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != model.AppointmentStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, not pending", appt.Status), nil)
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusPending, model.AppointmentStatusRejected); err != nil {
			return err
		}
		if err := s.slotRepo.Release(ctx, tx, appt.SlotID, appt.ID); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, s.statusEvent(appt, model.AppointmentStatusPending, model.AppointmentStatusRejected, actor, reason)); err != nil {
			return err
		}
		if err := s.events.Emit(ctx, tx, model.EventAppointmentRejected, appt); err != nil {
			return err
		}
		return s.events.EmitScheduleInvalidation(ctx, tx, appt.DoctorID, s.slotDate(ctx, appt.SlotID))
	})
	if err != nil {
		return nil, err
	}
	appt.Status = model.AppointmentStatusRejected

	s.refundIfPaid(ctx, appt, "appointment rejected by doctor")
	s.invalidateDay(appt.DoctorID, s.slotDate(ctx, appt.SlotID))
	return appt, nil
}

// Cancel moves a confirmed appointment to cancelled and frees its slot.
// Refund eligibility: strictly before the cutoff, or one of the
// always-refund reasons.
func (s *Service) Cancel(ctx context.Context, actor model.Actor, appointmentID uuid.UUID, reason string) (*model.Appointment, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !s.participant(actor, appt) {
		return nil, apperrors.Forbidden("not a participant in this appointment")
	}
	if appt.Status != model.AppointmentStatusConfirmed {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, not confirmed", appt.Status), nil)
	}

	slot, err := s.slotRepo.Get(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusConfirmed, model.AppointmentStatusCancelled); err != nil {
			return err
		}
		if err := s.slotRepo.Release(ctx, tx, appt.SlotID, appt.ID); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, s.statusEvent(appt, model.AppointmentStatusConfirmed, model.AppointmentStatusCancelled, actor, reason)); err != nil {
			return err
		}
		if err := s.events.Emit(ctx, tx, model.EventAppointmentCancelled, appt); err != nil {
			return err
		}
		return s.events.EmitScheduleInvalidation(ctx, tx, appt.DoctorID, slot.Date)
	})
	if err != nil {
		return nil, err
	}
	appt.Status = model.AppointmentStatusCancelled

	if s.refundEligible(slot.StartTime, reason, actor) {
		s.refundIfPaid(ctx, appt, reason)
	}
	s.invalidateDay(appt.DoctorID, slot.Date)
	return appt, nil
}

// refundEligible: strictly before (slot start - cutoff); landing exactly on
// the boundary does not refund. Doctor-side and emergency cancellations
// always refund.
func (s *Service) refundEligible(slotStart time.Time, reason string, actor model.Actor) bool {
	if reason == model.CancelReasonDoctorUnavailable || reason == model.CancelReasonEmergency {
		return true
	}
	if actor.Role == model.RoleDoctor {
		return true
	}
	return s.now().Before(slotStart.Add(-s.cfg.CancellationCutoff))
}

// Complete closes out a confirmed appointment after its slot has ended. The
// slot stays booked; history keeps the record.
func (s *Service) Complete(ctx context.Context, actor model.Actor, appointmentID uuid.UUID) (*model.Appointment, error) {
	appt, err := s.ownedByDoctor(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status != model.AppointmentStatusConfirmed {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, not confirmed", appt.Status), nil)
	}
	slot, err := s.slotRepo.Get(ctx, appt.SlotID)
	if err != nil {
		return nil, err
	}
	if s.now().Before(slot.EndTime) {
		return nil, apperrors.Conflict("appointment has not ended yet", nil)
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusConfirmed, model.AppointmentStatusCompleted); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, s.statusEvent(appt, model.AppointmentStatusConfirmed, model.AppointmentStatusCompleted, actor, "")); err != nil {
			return err
		}
		return s.events.Emit(ctx, tx, model.EventAppointmentCompleted, appt)
	})
	if err != nil {
		return nil, err
	}
	appt.Status = model.AppointmentStatusCompleted
	return appt, nil
}

// RequestReschedule proposes a new slot for a confirmed appointment. The
// proposed slot is held under the same appointment while the original stays
// booked, so neither can be taken out from under the parties.
func (s *Service) RequestReschedule(ctx context.Context, actor model.Actor, appointmentID uuid.UUID, req *model.RescheduleRequest) (*model.Appointment, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !s.participant(actor, appt) {
		return nil, apperrors.Forbidden("not a participant in this appointment")
	}
	if appt.Status != model.AppointmentStatusConfirmed {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, not confirmed", appt.Status), nil)
	}
	if req.NewSlotID == appt.SlotID {
		return nil, apperrors.Validation("proposed slot is the current slot", nil)
	}

	newSlot, err := s.slotRepo.Get(ctx, req.NewSlotID)
	if err != nil {
		return nil, err
	}
	if newSlot.DoctorID != appt.DoctorID {
		return nil, apperrors.Validation("proposed slot belongs to another doctor", nil)
	}
	now := s.now()
	if !newSlot.StartTime.After(now) {
		return nil, apperrors.Validation("proposed slot is in the past", nil)
	}

	heldUntil := now.Add(s.cfg.HoldTTL)
	if heldUntil.After(newSlot.StartTime) {
		heldUntil = newSlot.StartTime
	}
	by := actor.Role

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.slotRepo.TryHold(ctx, tx, newSlot.ID, appt.ID, heldUntil); err != nil {
			return err
		}
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusConfirmed, model.AppointmentStatusRescheduleRequested); err != nil {
			return err
		}
		if err := s.appointmentRepo.SetProposedSlot(ctx, tx, appt.ID, &newSlot.ID, &by); err != nil {
			return err
		}
		oldSlotID := appt.SlotID
		return s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			Kind:          model.EventKindReschedule,
			FromStatus:    model.AppointmentStatusConfirmed,
			ToStatus:      model.AppointmentStatusRescheduleRequested,
			OldSlotID:     &oldSlotID,
			NewSlotID:     &newSlot.ID,
			ActorID:       actor.ID,
			ActorRole:     actor.Role,
			Reason:        req.Reason,
		})
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			s.metrics.SlotHoldConflicts.Inc()
		}
		return nil, err
	}

	appt.Status = model.AppointmentStatusRescheduleRequested
	appt.ProposedSlotID = &newSlot.ID
	appt.RescheduleBy = &by
	s.invalidateDay(appt.DoctorID, newSlot.Date)
	return appt, nil
}

// RespondReschedule resolves a pending reschedule. Only the counterparty of
// the requester may respond. Approval swaps the slots and re-enters pending
// on the new slot so the doctor explicitly re-accepts; denial releases the
// proposed hold and restores confirmed.
func (s *Service) RespondReschedule(ctx context.Context, actor model.Actor, appointmentID uuid.UUID, approve bool) (*model.Appointment, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !s.participant(actor, appt) {
		return nil, apperrors.Forbidden("not a participant in this appointment")
	}
	if appt.Status != model.AppointmentStatusRescheduleRequested {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, no reschedule pending", appt.Status), nil)
	}
	if appt.ProposedSlotID == nil || appt.RescheduleBy == nil {
		return nil, apperrors.Invariant("reschedule_requested without a proposed slot", nil)
	}
	if actor.Role == *appt.RescheduleBy {
		return nil, apperrors.Forbidden("requester cannot respond to their own reschedule")
	}

	oldSlotID := appt.SlotID
	newSlotID := *appt.ProposedSlotID

	newSlot, err := s.slotRepo.Get(ctx, newSlotID)
	if err != nil {
		return nil, err
	}

	if !approve {
		err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusRescheduleRequested, model.AppointmentStatusConfirmed); err != nil {
				return err
			}
			if err := s.slotRepo.Release(ctx, tx, newSlotID, appt.ID); err != nil {
				return err
			}
			if err := s.appointmentRepo.SetProposedSlot(ctx, tx, appt.ID, nil, nil); err != nil {
				return err
			}
			if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
				AppointmentID: appt.ID,
				Kind:          model.EventKindReschedule,
				FromStatus:    model.AppointmentStatusRescheduleRequested,
				ToStatus:      model.AppointmentStatusConfirmed,
				OldSlotID:     &oldSlotID,
				NewSlotID:     &newSlotID,
				ActorID:       actor.ID,
				ActorRole:     actor.Role,
				Reason:        "reschedule denied",
			}); err != nil {
				return err
			}
			return s.events.EmitScheduleInvalidation(ctx, tx, appt.DoctorID, newSlot.Date)
		})
		if err != nil {
			return nil, err
		}
		appt.Status = model.AppointmentStatusConfirmed
		appt.ProposedSlotID = nil
		appt.RescheduleBy = nil
		s.invalidateDay(appt.DoctorID, newSlot.Date)
		return appt, nil
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusRescheduleRequested, model.AppointmentStatusRescheduled); err != nil {
			return err
		}
		if err := s.appointmentRepo.SetSlot(ctx, tx, appt.ID, newSlotID); err != nil {
			return err
		}
		if err := s.appointmentRepo.SetProposedSlot(ctx, tx, appt.ID, nil, nil); err != nil {
			return err
		}
		if err := s.slotRepo.Release(ctx, tx, oldSlotID, appt.ID); err != nil {
			return err
		}
		// The payment already settled; keep the new hold alive until the
		// slot starts so the doctor's re-accept cannot race reclamation.
		if err := s.slotRepo.ExtendHold(ctx, tx, newSlotID, appt.ID, newSlot.StartTime); err != nil {
			return err
		}
		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusRescheduled, model.AppointmentStatusPending); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			Kind:          model.EventKindReschedule,
			FromStatus:    model.AppointmentStatusRescheduleRequested,
			ToStatus:      model.AppointmentStatusPending,
			OldSlotID:     &oldSlotID,
			NewSlotID:     &newSlotID,
			ActorID:       actor.ID,
			ActorRole:     actor.Role,
			Reason:        "reschedule approved",
		}); err != nil {
			return err
		}
		if err := s.events.Emit(ctx, tx, model.EventAppointmentRescheduled, appt); err != nil {
			return err
		}
		return s.events.EmitScheduleInvalidation(ctx, tx, appt.DoctorID, newSlot.Date)
	})
	if err != nil {
		return nil, err
	}

	appt.Status = model.AppointmentStatusPending
	appt.SlotID = newSlotID
	appt.ProposedSlotID = nil
	appt.RescheduleBy = nil
	s.invalidateDay(appt.DoctorID, newSlot.Date)
	return appt, nil
}

// ExpireAbandoned rejects pending appointments whose slot hold lapsed without
// payment. Run from the background sweeper after ExpireHolds.
func (s *Service) ExpireAbandoned(ctx context.Context) (int, error) {
	stale, err := s.appointmentRepo.FindStalePending(ctx, s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, appt := range stale {
		appt := appt
		err := s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusPending, model.AppointmentStatusRejected); err != nil {
				return err
			}
			if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
				AppointmentID: appt.ID,
				Kind:          model.EventKindStatusChange,
				FromStatus:    model.AppointmentStatusPending,
				ToStatus:      model.AppointmentStatusRejected,
				ActorID:       uuid.Nil,
				ActorRole:     model.RoleSystem,
				Reason:        "hold expired",
			}); err != nil {
				return err
			}
			return s.events.Emit(ctx, tx, model.EventAppointmentRejected, appt)
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				continue // raced with another transition, fine
			}
			s.logger.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to expire stale pending appointment")
			continue
		}
		expired++
		s.metrics.HoldsExpired.Inc()
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, actor model.Actor, appointmentID uuid.UUID) (*model.AppointmentDetail, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !s.participant(actor, appt) {
		return nil, apperrors.Forbidden("not a participant in this appointment")
	}
	history, err := s.appointmentRepo.ListEvents(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return &model.AppointmentDetail{Appointment: *appt, History: history}, nil
}

func (s *Service) List(ctx context.Context, actor model.Actor, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	// Non-admins only see their own side of the ledger.
	switch actor.Role {
	case model.RolePatient:
		filters.PatientID = actor.ID
	case model.RoleDoctor:
		filters.DoctorID = actor.ID
	case model.RoleAdmin:
	default:
		return nil, apperrors.Forbidden("unknown role")
	}
	return s.appointmentRepo.List(ctx, filters)
}

func (s *Service) ownedByDoctor(ctx context.Context, actor model.Actor, appointmentID uuid.UUID) (*model.Appointment, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleDoctor || actor.ID != appt.DoctorID {
		return nil, apperrors.Forbidden("only the appointment's doctor may do this")
	}
	return appt, nil
}

func (s *Service) participant(actor model.Actor, appt *model.Appointment) bool {
	switch actor.Role {
	case model.RolePatient:
		return actor.ID == appt.PatientID
	case model.RoleDoctor:
		return actor.ID == appt.DoctorID
	case model.RoleAdmin:
		return true
	}
	return false
}

func (s *Service) refundIfPaid(ctx context.Context, appt *model.Appointment, reason string) {
	if s.refunder == nil {
		return
	}
	payment, err := s.paymentRepo.GetByAppointment(ctx, appt.ID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			s.logger.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to load payment for refund check")
		}
		return
	}
	if payment.Status != model.PaymentStatusPaid {
		return
	}
	if err := s.refunder.RefundAppointment(ctx, appt.ID, reason); err != nil {
		// The refund is parked on the operator queue by the payment
		// service; nothing more to do here.
		s.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("refund not completed inline")
	}
}

func (s *Service) slotDate(ctx context.Context, slotID uuid.UUID) time.Time {
	slot, err := s.slotRepo.Get(ctx, slotID)
	if err != nil {
		return time.Time{}
	}
	return slot.Date
}
