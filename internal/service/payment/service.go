package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/medibook/booking-api/internal/gateway"
	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository"
	"github.com/medibook/booking-api/internal/service/event"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

// Gateway is the slice of the payment gateway client this service needs.
type Gateway interface {
	Charge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error)
	Refund(ctx context.Context, req *gateway.RefundRequest) error
}

type Config struct {
	WebhookSecret string
}

type Service struct {
	paymentRepo     repository.PaymentRepository
	appointmentRepo repository.AppointmentRepository
	slotRepo        repository.SlotRepository
	txm             repository.TxManager
	events          *event.Service
	gateway         Gateway
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	cfg             Config
	now             func() time.Time
}

func NewService(
	paymentRepo repository.PaymentRepository,
	appointmentRepo repository.AppointmentRepository,
	slotRepo repository.SlotRepository,
	txm repository.TxManager,
	events *event.Service,
	gw Gateway,
	m *metrics.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Service {
	return &Service{
		paymentRepo:     paymentRepo,
		appointmentRepo: appointmentRepo,
		slotRepo:        slotRepo,
		txm:             txm,
		events:          events,
		gateway:         gw,
		metrics:         m,
		logger:          logger,
		cfg:             cfg,
		now:             time.Now,
	}
}

// Initiate opens a gateway checkout for a pending appointment's payment. The
// gateway reference is minted from the payment ID before the call, so a
// crashed or repeated initiation reuses the same reference instead of
// double-charging.
func (s *Service) Initiate(ctx context.Context, actor model.Actor, appointmentID uuid.UUID) (*model.CheckoutResponse, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RolePatient || actor.ID != appt.PatientID {
		return nil, apperrors.Forbidden("only the booking patient may pay")
	}
	if appt.Status != model.AppointmentStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("appointment is %s, not pending", appt.Status), nil)
	}

	payment, err := s.paymentRepo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != model.PaymentStatusInitiated {
		return nil, apperrors.Conflict(fmt.Sprintf("payment already %s", payment.Status), nil)
	}

	reference := payment.GatewayReference
	if reference == "" {
		reference = "bk-" + payment.ID.String()
		if err := s.paymentRepo.SetGatewayReference(ctx, payment.ID, reference); err != nil {
			return nil, err
		}
	}

	resp, err := s.gateway.Charge(ctx, &gateway.ChargeRequest{
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Reference: reference,
	})
	if err != nil {
		return nil, err
	}

	return &model.CheckoutResponse{
		PaymentID:   payment.ID,
		CheckoutURL: resp.CheckoutURL,
		Reference:   reference,
	}, nil
}

// HandleWebhook processes a gateway notification. The signature is verified
// against the raw body before anything else; a bad signature causes no state
// change. Replays of an already-settled reference are acknowledged as
// no-ops.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !gateway.VerifySignature(s.cfg.WebhookSecret, body, signature) {
		s.metrics.WebhookEvents.WithLabelValues("bad_signature").Inc()
		return apperrors.Unauthorized("invalid webhook signature", nil)
	}

	var payload model.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		return apperrors.Validation("malformed webhook payload", err)
	}
	if payload.Reference == "" {
		s.metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		return apperrors.Validation("webhook payload missing reference", nil)
	}

	payment, err := s.paymentRepo.GetByReference(ctx, payload.Reference)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("unknown_reference").Inc()
		return err
	}

	// Idempotency: a settled payment never moves again on replay. Gateways
	// retry failure notifications as well as successes.
	if payment.Status != model.PaymentStatusInitiated {
		s.metrics.WebhookEvents.WithLabelValues("replay").Inc()
		return nil
	}

	switch payload.Status {
	case model.WebhookStatusSuccess:
		return s.handleSuccess(ctx, payment)
	case model.WebhookStatusFailed:
		return s.handleFailure(ctx, payment)
	default:
		s.metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		return apperrors.Validation(fmt.Sprintf("unknown webhook status %q", payload.Status), nil)
	}
}

// handleSuccess settles the payment and confirms the booking atomically. If
// the slot hold lapsed and someone else took the slot, the payment still
// settles but the appointment is rejected and the money comes back.
func (s *Service) handleSuccess(ctx context.Context, payment *model.Payment) error {
	appt, err := s.appointmentRepo.Get(ctx, payment.AppointmentID)
	if err != nil {
		return err
	}

	lostSlot := false
	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.ID, model.PaymentStatusInitiated, model.PaymentStatusPaid); err != nil {
			return err
		}

		if appt.Status != model.AppointmentStatusPending {
			// Paid after the appointment already left pending (expired by
			// the sweeper, rejected by the doctor). Keep the payment paid
			// and refund after commit.
			lostSlot = true
			return nil
		}

		if err := s.slotRepo.Confirm(ctx, tx, appt.SlotID, appt.ID); err != nil {
			if !apperrors.Is(err, apperrors.ErrConflict) {
				return err
			}
			// Hold lapsed and the slot went to someone else.
			lostSlot = true
			if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusPending, model.AppointmentStatusRejected); err != nil {
				return err
			}
			if err := s.slotRepo.Release(ctx, tx, appt.SlotID, appt.ID); err != nil {
				return err
			}
			if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
				AppointmentID: appt.ID,
				Kind:          model.EventKindStatusChange,
				FromStatus:    model.AppointmentStatusPending,
				ToStatus:      model.AppointmentStatusRejected,
				ActorID:       uuid.Nil,
				ActorRole:     model.RoleSystem,
				Reason:        "slot lost before payment settled",
			}); err != nil {
				return err
			}
			return s.events.Emit(ctx, tx, model.EventAppointmentRejected, appt)
		}

		if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusPending, model.AppointmentStatusConfirmed); err != nil {
			return err
		}
		if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			Kind:          model.EventKindStatusChange,
			FromStatus:    model.AppointmentStatusPending,
			ToStatus:      model.AppointmentStatusConfirmed,
			ActorID:       uuid.Nil,
			ActorRole:     model.RoleSystem,
			Reason:        "payment settled",
		}); err != nil {
			return err
		}
		return s.events.Emit(ctx, tx, model.EventAppointmentConfirmed, appt)
	})
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("error").Inc()
		return err
	}

	if lostSlot {
		s.metrics.WebhookEvents.WithLabelValues("late_payment").Inc()
		if err := s.RefundAppointment(ctx, appt.ID, "slot lost before payment settled"); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("late-payment refund not completed inline")
		}
		return nil
	}

	s.metrics.WebhookEvents.WithLabelValues("success").Inc()
	return nil
}

func (s *Service) handleFailure(ctx context.Context, payment *model.Payment) error {
	appt, err := s.appointmentRepo.Get(ctx, payment.AppointmentID)
	if err != nil {
		return err
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.ID, model.PaymentStatusInitiated, model.PaymentStatusFailed); err != nil {
			return err
		}
		if appt.Status == model.AppointmentStatusPending {
			if err := s.appointmentRepo.UpdateStatus(ctx, tx, appt.ID, model.AppointmentStatusPending, model.AppointmentStatusRejected); err != nil {
				return err
			}
			if err := s.slotRepo.Release(ctx, tx, appt.SlotID, appt.ID); err != nil {
				return err
			}
			if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
				AppointmentID: appt.ID,
				Kind:          model.EventKindStatusChange,
				FromStatus:    model.AppointmentStatusPending,
				ToStatus:      model.AppointmentStatusRejected,
				ActorID:       uuid.Nil,
				ActorRole:     model.RoleSystem,
				Reason:        "payment failed",
			}); err != nil {
				return err
			}
		}
		return s.events.Emit(ctx, tx, model.EventPaymentFailed, payment)
	})
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("error").Inc()
		return err
	}

	s.metrics.WebhookEvents.WithLabelValues("failed").Inc()
	return nil
}

// RefundAppointment returns a settled payment to the patient. If the gateway
// refuses after retries, the refund is parked on the operator queue rather
// than lost; the appointment state change that triggered it stands either
// way.
func (s *Service) RefundAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) error {
	payment, err := s.paymentRepo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if payment.Status == model.PaymentStatusRefunded {
		return nil
	}
	if payment.Status != model.PaymentStatusPaid {
		return apperrors.Conflict(fmt.Sprintf("payment is %s, not paid", payment.Status), nil)
	}

	gwErr := s.gateway.Refund(ctx, &gateway.RefundRequest{
		Reference: payment.GatewayReference,
		Amount:    payment.Amount,
		Reason:    reason,
	})
	if gwErr != nil {
		s.metrics.RefundsParked.Inc()
		s.logger.Error().Err(gwErr).
			Str("appointment_id", appointmentID.String()).
			Str("reference", payment.GatewayReference).
			Msg("gateway refund failed, parking for operator")
		if err := s.events.Emit(ctx, nil, model.EventRefundPending, map[string]interface{}{
			"payment_id":     payment.ID,
			"appointment_id": appointmentID,
			"reference":      payment.GatewayReference,
			"amount":         payment.Amount,
			"reason":         reason,
		}); err != nil {
			s.logger.Error().Err(err).Msg("failed to park refund on operator queue")
		}
		return apperrors.Gateway("refund not completed, parked for operator", gwErr, true)
	}

	err = s.txm.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.ID, model.PaymentStatusPaid, model.PaymentStatusRefunded); err != nil {
			return err
		}
		ref := payment.GatewayReference
		if err := s.appointmentRepo.AddEvent(ctx, tx, &model.AppointmentEvent{
			AppointmentID: appointmentID,
			Kind:          model.EventKindRefund,
			Reference:     &ref,
			ActorID:       uuid.Nil,
			ActorRole:     model.RoleSystem,
			Reason:        reason,
		}); err != nil {
			return err
		}
		return s.events.Emit(ctx, tx, model.EventPaymentRefunded, payment)
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("appointment_id", appointmentID.String()).
		Str("reference", payment.GatewayReference).
		Msg("payment refunded")
	return nil
}

// RefundByReference replays a refund by gateway reference. Used by operators
// to drain the parked-refund queue.
func (s *Service) RefundByReference(ctx context.Context, reference, reason string) error {
	payment, err := s.paymentRepo.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	return s.RefundAppointment(ctx, payment.AppointmentID, reason)
}

// GetByAppointment returns the payment record for an appointment the actor
// participates in.
func (s *Service) GetByAppointment(ctx context.Context, actor model.Actor, appointmentID uuid.UUID) (*model.Payment, error) {
	appt, err := s.appointmentRepo.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == model.RoleAdmin:
	case actor.Role == model.RolePatient && actor.ID == appt.PatientID:
	case actor.Role == model.RoleDoctor && actor.ID == appt.DoctorID:
	default:
		return nil, apperrors.Forbidden("not a participant in this appointment")
	}
	return s.paymentRepo.GetByAppointment(ctx, appointmentID)
}
