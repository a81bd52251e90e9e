// Package memory holds an in-memory implementation of the repository
// interfaces with the same conditional-write semantics as the postgres
// implementation. It backs the service-level tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository"
	apperrors "github.com/medibook/booking-api/pkg/errors"
)

type Store struct {
	mu sync.Mutex
	// Now is the clock; tests override it to pin time.
	Now func() time.Time

	profiles       map[uuid.UUID]*model.WorkingHoursProfile
	blocked        map[uuid.UUID][]*model.BlockedTime
	slots          map[uuid.UUID]*model.Slot
	slotKeys       map[string]uuid.UUID
	appointments   map[uuid.UUID]*model.Appointment
	events         map[uuid.UUID][]*model.AppointmentEvent
	payments       map[uuid.UUID]*model.Payment
	paymentsByRef  map[string]uuid.UUID
	paymentsByAppt map[uuid.UUID]uuid.UUID
	outbox         []*model.OutboxEvent

	txMu sync.Mutex
}

func NewStore() *Store {
	return &Store{
		Now:            time.Now,
		profiles:       make(map[uuid.UUID]*model.WorkingHoursProfile),
		blocked:        make(map[uuid.UUID][]*model.BlockedTime),
		slots:          make(map[uuid.UUID]*model.Slot),
		slotKeys:       make(map[string]uuid.UUID),
		appointments:   make(map[uuid.UUID]*model.Appointment),
		events:         make(map[uuid.UUID][]*model.AppointmentEvent),
		payments:       make(map[uuid.UUID]*model.Payment),
		paymentsByRef:  make(map[string]uuid.UUID),
		paymentsByAppt: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *Store) Schedule() repository.ScheduleRepository       { return &scheduleRepo{s} }
func (s *Store) Slots() repository.SlotRepository              { return &slotRepo{s} }
func (s *Store) Appointments() repository.AppointmentRepository { return &appointmentRepo{s} }
func (s *Store) Payments() repository.PaymentRepository        { return &paymentRepo{s} }
func (s *Store) Outbox() repository.OutboxRepository           { return &outboxRepo{s} }
func (s *Store) TxManager() repository.TxManager               { return &txManager{s} }

// OutboxEvents returns a snapshot of emitted events.
func (s *Store) OutboxEvents() []*model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func slotKey(doctorID uuid.UUID, date time.Time, start time.Time) string {
	return fmt.Sprintf("%s|%s|%s", doctorID, date.Format("2006-01-02"), start.Format(time.RFC3339))
}

type txManager struct{ s *Store }

// RunInTx serializes units of work. Partial-failure rollback is not
// emulated; tests order conditional writes first so a lost swap aborts the
// unit before any mutation.
func (m *txManager) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	m.s.txMu.Lock()
	defer m.s.txMu.Unlock()
	return fn(nil)
}

type scheduleRepo struct{ s *Store }

func (r *scheduleRepo) UpsertWorkingHours(ctx context.Context, profile *model.WorkingHoursProfile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.profiles[profile.DoctorID]; ok {
		profile.ID = existing.ID
		profile.Version = existing.Version + 1
	} else {
		if profile.ID == uuid.Nil {
			profile.ID = uuid.New()
		}
		profile.Version = 1
	}
	cp := *profile
	r.s.profiles[profile.DoctorID] = &cp
	return nil
}

func (r *scheduleRepo) GetWorkingHours(ctx context.Context, doctorID uuid.UUID) (*model.WorkingHoursProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	profile, ok := r.s.profiles[doctorID]
	if !ok {
		return nil, apperrors.NotFound("working hours profile", nil)
	}
	cp := *profile
	return &cp, nil
}

func (r *scheduleRepo) CreateBlockedTime(ctx context.Context, tx *sqlx.Tx, blocked *model.BlockedTime) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	blocked.ID = uuid.New()
	cp := *blocked
	r.s.blocked[blocked.DoctorID] = append(r.s.blocked[blocked.DoctorID], &cp)
	return nil
}

func (r *scheduleRepo) ListBlockedTimes(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*model.BlockedTime, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.BlockedTime
	for _, b := range r.s.blocked[doctorID] {
		if !b.Date.Before(from) && !b.Date.After(to) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

type slotRepo struct{ s *Store }

func (r *slotRepo) BulkInsert(ctx context.Context, slots []*model.Slot) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var inserted int64
	for _, slot := range slots {
		key := slotKey(slot.DoctorID, slot.Date, slot.StartTime)
		if _, exists := r.s.slotKeys[key]; exists {
			continue
		}
		if slot.ID == uuid.Nil {
			slot.ID = uuid.New()
		}
		slot.Status = model.SlotStatusOpen
		cp := *slot
		r.s.slots[slot.ID] = &cp
		r.s.slotKeys[key] = slot.ID
		inserted++
	}
	return inserted, nil
}

func (r *slotRepo) Get(ctx context.Context, id uuid.UUID) (*model.Slot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[id]
	if !ok {
		return nil, apperrors.NotFound("slot", nil)
	}
	cp := *slot
	return &cp, nil
}

func (r *slotRepo) ListForDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*model.Slot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Slot
	for _, slot := range r.s.slots {
		if slot.DoctorID == doctorID && slot.Date.Equal(date) {
			cp := *slot
			out = append(out, &cp)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *slotRepo) TryHold(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID, heldUntil time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[slotID]
	if !ok {
		return apperrors.NotFound("slot", nil)
	}
	now := r.s.Now()
	if slot.Status != model.SlotStatusOpen && !slot.HoldExpired(now) {
		return apperrors.Conflict("slot is no longer available", nil)
	}
	slot.Status = model.SlotStatusHeld
	slot.AppointmentID = &appointmentID
	hu := heldUntil
	slot.HeldUntil = &hu
	return nil
}

func (r *slotRepo) Confirm(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[slotID]
	if !ok {
		return apperrors.NotFound("slot", nil)
	}
	now := r.s.Now()
	bound := slot.AppointmentID != nil && *slot.AppointmentID == appointmentID
	liveHold := slot.Status == model.SlotStatusHeld && slot.HeldUntil != nil && !slot.HeldUntil.Before(now)
	if !bound || !(slot.Status == model.SlotStatusBooked || liveHold) {
		return apperrors.Conflict("slot hold is stale or bound elsewhere", nil)
	}
	slot.Status = model.SlotStatusBooked
	slot.HeldUntil = nil
	return nil
}

func (r *slotRepo) Release(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[slotID]
	if !ok {
		return apperrors.NotFound("slot", nil)
	}
	if slot.AppointmentID == nil || *slot.AppointmentID != appointmentID {
		return nil
	}
	if slot.Status != model.SlotStatusHeld && slot.Status != model.SlotStatusBooked {
		return nil
	}
	slot.Status = model.SlotStatusOpen
	slot.AppointmentID = nil
	slot.HeldUntil = nil
	return nil
}

func (r *slotRepo) ExtendHold(ctx context.Context, tx *sqlx.Tx, slotID, appointmentID uuid.UUID, heldUntil time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[slotID]
	if !ok {
		return apperrors.NotFound("slot", nil)
	}
	if slot.Status != model.SlotStatusHeld || slot.AppointmentID == nil || *slot.AppointmentID != appointmentID {
		return apperrors.Conflict("slot hold is stale or bound elsewhere", nil)
	}
	hu := heldUntil
	slot.HeldUntil = &hu
	return nil
}

func (r *slotRepo) ExpireHolds(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, slot := range r.s.slots {
		if slot.Status == model.SlotStatusHeld && slot.HeldUntil != nil && slot.HeldUntil.Before(now) {
			slot.Status = model.SlotStatusOpen
			slot.AppointmentID = nil
			slot.HeldUntil = nil
			n++
		}
	}
	return n, nil
}

func (r *slotRepo) FindBlocking(ctx context.Context, doctorID uuid.UUID, start, end time.Time, now time.Time) ([]*model.Slot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Slot
	for _, slot := range r.s.slots {
		if slot.DoctorID != doctorID {
			continue
		}
		if !slot.StartTime.Before(end) || !slot.EndTime.After(start) {
			continue
		}
		liveHold := slot.Status == model.SlotStatusHeld && slot.HeldUntil != nil && !slot.HeldUntil.Before(now)
		if slot.Status == model.SlotStatusBooked || liveHold {
			cp := *slot
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *slotRepo) DeleteOpenInWindow(ctx context.Context, tx *sqlx.Tx, doctorID uuid.UUID, start, end time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, slot := range r.s.slots {
		if slot.DoctorID != doctorID || slot.Status != model.SlotStatusOpen {
			continue
		}
		if slot.StartTime.Before(end) && slot.EndTime.After(start) {
			delete(r.s.slots, id)
			delete(r.s.slotKeys, slotKey(slot.DoctorID, slot.Date, slot.StartTime))
			n++
		}
	}
	return n, nil
}

func (r *slotRepo) FindBookedMismatches(ctx context.Context) ([]*model.Slot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Slot
	for _, slot := range r.s.slots {
		if slot.Status != model.SlotStatusBooked {
			continue
		}
		ok := false
		if slot.AppointmentID != nil {
			if appt, found := r.s.appointments[*slot.AppointmentID]; found {
				ok = appt.Status == model.AppointmentStatusConfirmed || appt.Status == model.AppointmentStatusCompleted
			}
		}
		if !ok {
			cp := *slot
			out = append(out, &cp)
		}
	}
	return out, nil
}

type appointmentRepo struct{ s *Store }

func (r *appointmentRepo) Create(ctx context.Context, tx *sqlx.Tx, appt *model.Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	appt.CreatedAt = r.s.Now()
	cp := *appt
	r.s.appointments[appt.ID] = &cp
	return nil
}

func (r *appointmentRepo) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	appt, ok := r.s.appointments[id]
	if !ok {
		return nil, apperrors.NotFound("appointment", nil)
	}
	cp := *appt
	return &cp, nil
}

func (r *appointmentRepo) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Appointment
	for _, appt := range r.s.appointments {
		if filters.PatientID != uuid.Nil && appt.PatientID != filters.PatientID {
			continue
		}
		if filters.DoctorID != uuid.Nil && appt.DoctorID != filters.DoctorID {
			continue
		}
		if filters.Status != "" && appt.Status != filters.Status {
			continue
		}
		cp := *appt
		out = append(out, &cp)
	}
	return out, nil
}

func (r *appointmentRepo) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to model.AppointmentStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	appt, ok := r.s.appointments[id]
	if !ok {
		return apperrors.NotFound("appointment", nil)
	}
	if appt.Status != from {
		return apperrors.Conflict(fmt.Sprintf("appointment is not %s", from), nil)
	}
	appt.Status = to
	appt.UpdatedAt = r.s.Now()
	return nil
}

func (r *appointmentRepo) SetSlot(ctx context.Context, tx *sqlx.Tx, id, slotID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	appt, ok := r.s.appointments[id]
	if !ok {
		return apperrors.NotFound("appointment", nil)
	}
	appt.SlotID = slotID
	return nil
}

func (r *appointmentRepo) SetProposedSlot(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, proposed *uuid.UUID, by *model.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	appt, ok := r.s.appointments[id]
	if !ok {
		return apperrors.NotFound("appointment", nil)
	}
	appt.ProposedSlotID = proposed
	appt.RescheduleBy = by
	return nil
}

func (r *appointmentRepo) AddEvent(ctx context.Context, tx *sqlx.Tx, event *model.AppointmentEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	event.ID = uuid.New()
	event.CreatedAt = r.s.Now()
	cp := *event
	r.s.events[event.AppointmentID] = append(r.s.events[event.AppointmentID], &cp)
	return nil
}

func (r *appointmentRepo) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]*model.AppointmentEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	events := r.s.events[appointmentID]
	out := make([]*model.AppointmentEvent, 0, len(events))
	for _, e := range events {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *appointmentRepo) FindStalePending(ctx context.Context, now time.Time) ([]*model.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Appointment
	for _, appt := range r.s.appointments {
		if appt.Status != model.AppointmentStatusPending {
			continue
		}
		slot, ok := r.s.slots[appt.SlotID]
		live := ok && slot.AppointmentID != nil && *slot.AppointmentID == appt.ID &&
			(slot.Status == model.SlotStatusBooked ||
				(slot.Status == model.SlotStatusHeld && slot.HeldUntil != nil && !slot.HeldUntil.Before(now)))
		if !live {
			cp := *appt
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *appointmentRepo) FindConfirmedWithUnbookedSlot(ctx context.Context) ([]*model.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Appointment
	for _, appt := range r.s.appointments {
		if appt.Status != model.AppointmentStatusConfirmed {
			continue
		}
		slot, ok := r.s.slots[appt.SlotID]
		bound := ok && slot.Status == model.SlotStatusBooked && slot.AppointmentID != nil && *slot.AppointmentID == appt.ID
		if !bound {
			cp := *appt
			out = append(out, &cp)
		}
	}
	return out, nil
}

type paymentRepo struct{ s *Store }

func (r *paymentRepo) Create(ctx context.Context, tx *sqlx.Tx, payment *model.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	cp := *payment
	r.s.payments[payment.ID] = &cp
	r.s.paymentsByAppt[payment.AppointmentID] = payment.ID
	if payment.GatewayReference != "" {
		r.s.paymentsByRef[payment.GatewayReference] = payment.ID
	}
	return nil
}

func (r *paymentRepo) Get(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	payment, ok := r.s.payments[id]
	if !ok {
		return nil, apperrors.NotFound("payment", nil)
	}
	cp := *payment
	return &cp, nil
}

func (r *paymentRepo) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*model.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.paymentsByAppt[appointmentID]
	if !ok {
		return nil, apperrors.NotFound("payment", nil)
	}
	cp := *r.s.payments[id]
	return &cp, nil
}

func (r *paymentRepo) GetByReference(ctx context.Context, reference string) (*model.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.paymentsByRef[reference]
	if !ok {
		return nil, apperrors.NotFound("payment", nil)
	}
	cp := *r.s.payments[id]
	return &cp, nil
}

func (r *paymentRepo) SetGatewayReference(ctx context.Context, id uuid.UUID, reference string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	payment, ok := r.s.payments[id]
	if !ok {
		return apperrors.NotFound("payment", nil)
	}
	if payment.GatewayReference != "" && payment.GatewayReference != reference {
		return apperrors.Conflict("payment already carries a different gateway reference", nil)
	}
	payment.GatewayReference = reference
	r.s.paymentsByRef[reference] = id
	return nil
}

func (r *paymentRepo) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, from, to model.PaymentStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	payment, ok := r.s.payments[id]
	if !ok {
		return apperrors.NotFound("payment", nil)
	}
	if payment.Status != from {
		return apperrors.Conflict(fmt.Sprintf("payment is not %s", from), nil)
	}
	payment.Status = to
	return nil
}

type outboxRepo struct{ s *Store }

func (r *outboxRepo) Create(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	event.ID = uuid.New()
	event.Status = model.OutboxStatusPending
	event.CreatedAt = r.s.Now()
	cp := *event
	r.s.outbox = append(r.s.outbox, &cp)
	return nil
}

func (r *outboxRepo) GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.OutboxEvent
	for _, e := range r.s.outbox {
		if e.Status == model.OutboxStatusPending {
			cp := *e
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *outboxRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.outbox {
		if e.ID == id {
			e.Status = status
			e.ErrorMessage = errorMessage
			e.RetryAt = retryAt
			return nil
		}
	}
	return apperrors.NotFound("outbox event", nil)
}

func (r *outboxRepo) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var kept []*model.OutboxEvent
	var n int64
	for _, e := range r.s.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.s.outbox = kept
	return n, nil
}

func sortSlots(slots []*model.Slot) {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].StartTime.Before(slots[j].StartTime)
	})
}
