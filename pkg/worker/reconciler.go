package worker

import (
	"context"
	"time"

	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository"
	"github.com/medibook/booking-api/internal/service/event"
	"github.com/medibook/booking-api/pkg/logger"
	"github.com/medibook/booking-api/pkg/metrics"
)

// Reconciler periodically cross-checks slots against appointments and
// reports divergence. Inconsistent state is surfaced, never silently
// patched: an operator (or a later migration) decides the fix.
type Reconciler struct {
	slots        repository.SlotRepository
	appointments repository.AppointmentRepository
	events       *event.Service
	interval     time.Duration
	logger       *logger.Logger
	metrics      *metrics.Metrics
}

func NewReconciler(
	slots repository.SlotRepository,
	appointments repository.AppointmentRepository,
	events *event.Service,
	interval time.Duration,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reconciler{
		slots:        slots,
		appointments: appointments,
		events:       events,
		interval:     interval,
		logger:       logger,
		metrics:      metrics,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("starting reconciler")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down reconciler")
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

func (r *Reconciler) run(ctx context.Context) {
	mismatched, err := r.slots.FindBookedMismatches(ctx)
	if err != nil {
		r.logger.Error(err, "failed to scan for booked-slot mismatches")
	}
	for _, slot := range mismatched {
		r.metrics.InvariantViolations.WithLabelValues("booked_slot_without_confirmed_appointment").Inc()
		r.logger.Error(nil, "booked slot without a confirmed appointment",
			"slot_id", slot.ID.String())
		r.report(ctx, "booked_slot_without_confirmed_appointment", map[string]interface{}{
			"slot_id": slot.ID,
		})
	}

	orphaned, err := r.appointments.FindConfirmedWithUnbookedSlot(ctx)
	if err != nil {
		r.logger.Error(err, "failed to scan for confirmed appointments with unbooked slots")
	}
	for _, appt := range orphaned {
		r.metrics.InvariantViolations.WithLabelValues("confirmed_appointment_with_unbooked_slot").Inc()
		r.logger.Error(nil, "confirmed appointment whose slot is not booked",
			"appointment_id", appt.ID.String(),
			"slot_id", appt.SlotID.String())
		r.report(ctx, "confirmed_appointment_with_unbooked_slot", map[string]interface{}{
			"appointment_id": appt.ID,
			"slot_id":        appt.SlotID,
		})
	}
}

func (r *Reconciler) report(ctx context.Context, kind string, details map[string]interface{}) {
	payload := map[string]interface{}{"kind": kind}
	for k, v := range details {
		payload[k] = v
	}
	if err := r.events.Emit(ctx, nil, model.EventInvariantViolation, payload); err != nil {
		r.logger.Error(err, "failed to emit invariant violation event")
	}
}
