package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository/memory"
	"github.com/medibook/booking-api/internal/service/event"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

var testMetrics = metrics.NewMetrics("test", "booking")

// 2026-03-02 10:00 UTC; slots start a day later.
var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type refundCall struct {
	AppointmentID uuid.UUID
	Reason        string
}

type fakeRefunder struct {
	mu    sync.Mutex
	calls []refundCall
}

func (f *fakeRefunder) RefundAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refundCall{appointmentID, reason})
	return nil
}

func (f *fakeRefunder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store    *memory.Store
	svc      *Service
	refunder *fakeRefunder
	doctor   model.Actor
	patient  model.Actor
	slots    []*model.Slot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.Now = func() time.Time { return testNow }

	doctorID := uuid.New()
	require.NoError(t, store.Schedule().UpsertWorkingHours(context.Background(), &model.WorkingHoursProfile{
		DoctorID:             doctorID,
		AppointmentDuration:  30,
		SlotInterval:         30,
		MaxDailyAppointments: 100,
		ConsultationFee:      5000,
		Currency:             "USD",
	}))

	day := testNow.AddDate(0, 0, 1).Truncate(24 * time.Hour)
	var slots []*model.Slot
	for i := 0; i < 4; i++ {
		start := day.Add(time.Duration(9*60+30*i) * time.Minute)
		slots = append(slots, &model.Slot{
			DoctorID:  doctorID,
			Date:      day,
			StartTime: start,
			EndTime:   start.Add(30 * time.Minute),
			Status:    model.SlotStatusOpen,
		})
	}
	_, err := store.Slots().BulkInsert(context.Background(), slots)
	require.NoError(t, err)

	refunder := &fakeRefunder{}
	svc := NewService(
		store.Appointments(),
		store.Slots(),
		store.Payments(),
		store.Schedule(),
		store.TxManager(),
		event.NewService(store.Outbox()),
		refunder,
		nil,
		testMetrics,
		zerolog.Nop(),
		Config{HoldTTL: 15 * time.Minute, CancellationCutoff: 24 * time.Hour},
	)
	svc.now = func() time.Time { return testNow }

	return &fixture{
		store:    store,
		svc:      svc,
		refunder: refunder,
		doctor:   model.Actor{ID: doctorID, Role: model.RoleDoctor},
		patient:  model.Actor{ID: uuid.New(), Role: model.RolePatient},
		slots:    slots,
	}
}

func (f *fixture) book(t *testing.T, slot *model.Slot) *model.Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), f.patient, f.doctor.ID, &model.BookAppointmentRequest{SlotID: slot.ID})
	require.NoError(t, err)
	return appt
}

func (f *fixture) settlePayment(t *testing.T, appointmentID uuid.UUID) {
	t.Helper()
	payment, err := f.store.Payments().GetByAppointment(context.Background(), appointmentID)
	require.NoError(t, err)
	require.NoError(t, f.store.Payments().UpdateStatus(context.Background(), nil, payment.ID, model.PaymentStatusInitiated, model.PaymentStatusPaid))
}

func (f *fixture) confirm(t *testing.T, slot *model.Slot) *model.Appointment {
	t.Helper()
	appt := f.book(t, slot)
	f.settlePayment(t, appt.ID)
	confirmed, err := f.svc.Accept(context.Background(), f.doctor, appt.ID)
	require.NoError(t, err)
	return confirmed
}

func (f *fixture) slot(t *testing.T, id uuid.UUID) *model.Slot {
	t.Helper()
	slot, err := f.store.Slots().Get(context.Background(), id)
	require.NoError(t, err)
	return slot
}

func TestBookHoldsSlotAndCreatesPayment(t *testing.T) {
	f := newFixture(t)

	appt := f.book(t, f.slots[0])

	assert.Equal(t, model.AppointmentStatusPending, appt.Status)
	assert.Equal(t, int64(5000), appt.Fee)
	assert.Equal(t, "USD", appt.Currency)

	slot := f.slot(t, f.slots[0].ID)
	assert.Equal(t, model.SlotStatusHeld, slot.Status)
	require.NotNil(t, slot.AppointmentID)
	assert.Equal(t, appt.ID, *slot.AppointmentID)
	require.NotNil(t, slot.HeldUntil)
	assert.Equal(t, testNow.Add(15*time.Minute), *slot.HeldUntil)

	payment, err := f.store.Payments().GetByAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusInitiated, payment.Status)
	assert.Equal(t, int64(5000), payment.Amount)

	history, err := f.store.Appointments().ListEvents(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.EventKindStatusChange, history[0].Kind)
	assert.Equal(t, model.AppointmentStatusPending, history[0].ToStatus)
}

func TestBookContendedSlotHasOneWinner(t *testing.T) {
	f := newFixture(t)
	const patients = 8

	var wg sync.WaitGroup
	results := make(chan error, patients)
	for i := 0; i < patients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actor := model.Actor{ID: uuid.New(), Role: model.RolePatient}
			_, err := f.svc.Book(context.Background(), actor, f.doctor.ID, &model.BookAppointmentRequest{SlotID: f.slots[0].ID})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		if err == nil {
			won++
			continue
		}
		require.True(t, apperrors.Is(err, apperrors.ErrConflict), "unexpected error: %v", err)
		lost++
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, patients-1, lost)
}

func TestBookRejectsPastSlot(t *testing.T) {
	f := newFixture(t)
	past := &model.Slot{
		DoctorID:  f.doctor.ID,
		Date:      testNow.AddDate(0, 0, -1),
		StartTime: testNow.Add(-time.Hour),
		EndTime:   testNow.Add(-30 * time.Minute),
		Status:    model.SlotStatusOpen,
	}
	_, err := f.store.Slots().BulkInsert(context.Background(), []*model.Slot{past})
	require.NoError(t, err)

	_, bookErr := f.svc.Book(context.Background(), f.patient, f.doctor.ID, &model.BookAppointmentRequest{SlotID: past.ID})
	assert.True(t, apperrors.Is(bookErr, apperrors.ErrValidation))
}

func TestBookHoldNeverOutlivesSlotStart(t *testing.T) {
	f := newFixture(t)
	soon := &model.Slot{
		DoctorID:  f.doctor.ID,
		Date:      testNow.Truncate(24 * time.Hour),
		StartTime: testNow.Add(5 * time.Minute),
		EndTime:   testNow.Add(35 * time.Minute),
		Status:    model.SlotStatusOpen,
	}
	_, err := f.store.Slots().BulkInsert(context.Background(), []*model.Slot{soon})
	require.NoError(t, err)

	appt := f.book(t, soon)
	slot := f.slot(t, soon.ID)
	require.NotNil(t, slot.HeldUntil)
	assert.Equal(t, soon.StartTime, *slot.HeldUntil)
	assert.Equal(t, model.AppointmentStatusPending, appt.Status)
}

func TestAcceptRequiresSettledPayment(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])

	_, err := f.svc.Accept(context.Background(), f.doctor, appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestAcceptConfirmsAndBooksSlot(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])
	f.settlePayment(t, appt.ID)

	confirmed, err := f.svc.Accept(context.Background(), f.doctor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusConfirmed, confirmed.Status)

	slot := f.slot(t, f.slots[0].ID)
	assert.Equal(t, model.SlotStatusBooked, slot.Status)
	assert.Nil(t, slot.HeldUntil)
}

func TestAcceptOnlyByOwningDoctor(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])
	f.settlePayment(t, appt.ID)

	otherDoctor := model.Actor{ID: uuid.New(), Role: model.RoleDoctor}
	_, err := f.svc.Accept(context.Background(), otherDoctor, appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))

	_, err = f.svc.Accept(context.Background(), f.patient, appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
}

func TestRejectReleasesSlotAndRefundsPaid(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])
	f.settlePayment(t, appt.ID)

	rejected, err := f.svc.Reject(context.Background(), f.doctor, appt.ID, "fully booked elsewhere")
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusRejected, rejected.Status)

	slot := f.slot(t, f.slots[0].ID)
	assert.Equal(t, model.SlotStatusOpen, slot.Status)
	assert.Nil(t, slot.AppointmentID)

	assert.Equal(t, 1, f.refunder.count())
}

func TestRejectUnpaidDoesNotRefund(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])

	_, err := f.svc.Reject(context.Background(), f.doctor, appt.ID, "")
	require.NoError(t, err)
	assert.Zero(t, f.refunder.count())
}

func TestCancelInsideCutoffForfeitsFee(t *testing.T) {
	f := newFixture(t)
	// Slot starts 23h from now with a 24h cutoff: inside the window.
	appt := f.confirm(t, f.slots[0])

	cancelled, err := f.svc.Cancel(context.Background(), f.patient, appt.ID, "cannot make it")
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCancelled, cancelled.Status)
	assert.Equal(t, model.SlotStatusOpen, f.slot(t, f.slots[0].ID).Status)
	assert.Zero(t, f.refunder.count())
}

func TestCancelCutoffBoundary(t *testing.T) {
	f := newFixture(t)

	// Exactly on the boundary: no refund.
	exact := &model.Slot{
		DoctorID:  f.doctor.ID,
		Date:      testNow.AddDate(0, 0, 1).Truncate(24 * time.Hour),
		StartTime: testNow.Add(24 * time.Hour),
		EndTime:   testNow.Add(24*time.Hour + 30*time.Minute),
		Status:    model.SlotStatusOpen,
	}
	// One second clear of the boundary: refund.
	clearOf := &model.Slot{
		DoctorID:  f.doctor.ID,
		Date:      testNow.AddDate(0, 0, 1).Truncate(24 * time.Hour),
		StartTime: testNow.Add(24*time.Hour + time.Second),
		EndTime:   testNow.Add(24*time.Hour + 30*time.Minute + time.Second),
		Status:    model.SlotStatusOpen,
	}
	_, err := f.store.Slots().BulkInsert(context.Background(), []*model.Slot{exact, clearOf})
	require.NoError(t, err)

	apptExact := f.confirm(t, exact)
	_, err = f.svc.Cancel(context.Background(), f.patient, apptExact.ID, "plans changed")
	require.NoError(t, err)
	assert.Zero(t, f.refunder.count())

	apptClear := f.confirm(t, clearOf)
	_, err = f.svc.Cancel(context.Background(), f.patient, apptClear.ID, "plans changed")
	require.NoError(t, err)
	assert.Equal(t, 1, f.refunder.count())
}

func TestCancelForEmergencyAlwaysRefunds(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])

	_, err := f.svc.Cancel(context.Background(), f.patient, appt.ID, model.CancelReasonEmergency)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refunder.count())
}

func TestCancelByDoctorAlwaysRefunds(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])

	_, err := f.svc.Cancel(context.Background(), f.doctor, appt.ID, model.CancelReasonDoctorUnavailable)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refunder.count())
}

func TestCancelRequiresConfirmed(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])

	_, err := f.svc.Cancel(context.Background(), f.patient, appt.ID, "changed my mind")
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestCompleteOnlyAfterSlotEnds(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])

	_, err := f.svc.Complete(context.Background(), f.doctor, appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	f.svc.now = func() time.Time { return f.slots[0].EndTime.Add(time.Minute) }
	completed, err := f.svc.Complete(context.Background(), f.doctor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCompleted, completed.Status)

	// The slot stays booked for the record.
	assert.Equal(t, model.SlotStatusBooked, f.slot(t, f.slots[0].ID).Status)
}

func TestRescheduleHoldsProposedSlotAlongsideOriginal(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])

	updated, err := f.svc.RequestReschedule(context.Background(), f.patient, appt.ID, &model.RescheduleRequest{
		NewSlotID: f.slots[1].ID,
		Reason:    "conflict came up",
	})
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusRescheduleRequested, updated.Status)
	require.NotNil(t, updated.ProposedSlotID)
	assert.Equal(t, f.slots[1].ID, *updated.ProposedSlotID)

	// Original stays booked, proposed is held under the same appointment.
	assert.Equal(t, model.SlotStatusBooked, f.slot(t, f.slots[0].ID).Status)
	proposed := f.slot(t, f.slots[1].ID)
	assert.Equal(t, model.SlotStatusHeld, proposed.Status)
	require.NotNil(t, proposed.AppointmentID)
	assert.Equal(t, appt.ID, *proposed.AppointmentID)
}

func TestRescheduleProposedSlotRace(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])

	// Another patient grabs the proposed slot first.
	other := model.Actor{ID: uuid.New(), Role: model.RolePatient}
	_, err := f.svc.Book(context.Background(), other, f.doctor.ID, &model.BookAppointmentRequest{SlotID: f.slots[1].ID})
	require.NoError(t, err)

	_, err = f.svc.RequestReschedule(context.Background(), f.patient, appt.ID, &model.RescheduleRequest{NewSlotID: f.slots[1].ID})
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	// The appointment is untouched by the lost race.
	current, err := f.store.Appointments().Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusConfirmed, current.Status)
}

func TestRescheduleDenyRestoresConfirmed(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])
	_, err := f.svc.RequestReschedule(context.Background(), f.patient, appt.ID, &model.RescheduleRequest{NewSlotID: f.slots[1].ID})
	require.NoError(t, err)

	before := countInvalidations(f.store.OutboxEvents())
	restored, err := f.svc.RespondReschedule(context.Background(), f.doctor, appt.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusConfirmed, restored.Status)
	assert.Nil(t, restored.ProposedSlotID)

	assert.Equal(t, model.SlotStatusBooked, f.slot(t, f.slots[0].ID).Status)
	assert.Equal(t, model.SlotStatusOpen, f.slot(t, f.slots[1].ID).Status)

	// Read-side caches must drop the day the released slot returned to.
	assert.Equal(t, before+1, countInvalidations(f.store.OutboxEvents()))
}

func countInvalidations(events []*model.OutboxEvent) int {
	n := 0
	for _, e := range events {
		if e.EventType == model.EventScheduleInvalidate {
			n++
		}
	}
	return n
}

func TestRescheduleApproveSwapsSlots(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])
	_, err := f.svc.RequestReschedule(context.Background(), f.patient, appt.ID, &model.RescheduleRequest{NewSlotID: f.slots[1].ID})
	require.NoError(t, err)

	swapped, err := f.svc.RespondReschedule(context.Background(), f.doctor, appt.ID, true)
	require.NoError(t, err)
	// Re-enters pending on the new slot; the doctor re-accepts to confirm.
	assert.Equal(t, model.AppointmentStatusPending, swapped.Status)
	assert.Equal(t, f.slots[1].ID, swapped.SlotID)

	assert.Equal(t, model.SlotStatusOpen, f.slot(t, f.slots[0].ID).Status)
	newSlot := f.slot(t, f.slots[1].ID)
	assert.Equal(t, model.SlotStatusHeld, newSlot.Status)
	require.NotNil(t, newSlot.HeldUntil)
	assert.Equal(t, newSlot.StartTime, *newSlot.HeldUntil)

	// Payment already settled, so Accept completes the swap.
	confirmed, err := f.svc.Accept(context.Background(), f.doctor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusConfirmed, confirmed.Status)
	assert.Equal(t, model.SlotStatusBooked, f.slot(t, f.slots[1].ID).Status)
}

func TestRescheduleRequesterCannotRespond(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])
	_, err := f.svc.RequestReschedule(context.Background(), f.patient, appt.ID, &model.RescheduleRequest{NewSlotID: f.slots[1].ID})
	require.NoError(t, err)

	_, err = f.svc.RespondReschedule(context.Background(), f.patient, appt.ID, true)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
}

func TestRescheduleHistoryCarriesSlotPair(t *testing.T) {
	f := newFixture(t)
	appt := f.confirm(t, f.slots[0])
	_, err := f.svc.RequestReschedule(context.Background(), f.patient, appt.ID, &model.RescheduleRequest{NewSlotID: f.slots[1].ID})
	require.NoError(t, err)
	_, err = f.svc.RespondReschedule(context.Background(), f.doctor, appt.ID, true)
	require.NoError(t, err)

	history, err := f.store.Appointments().ListEvents(context.Background(), appt.ID)
	require.NoError(t, err)

	var rescheduleEvents []*model.AppointmentEvent
	for _, e := range history {
		if e.Kind == model.EventKindReschedule {
			rescheduleEvents = append(rescheduleEvents, e)
		}
	}
	require.Len(t, rescheduleEvents, 2)
	for _, e := range rescheduleEvents {
		require.NotNil(t, e.OldSlotID)
		require.NotNil(t, e.NewSlotID)
		assert.Equal(t, f.slots[0].ID, *e.OldSlotID)
		assert.Equal(t, f.slots[1].ID, *e.NewSlotID)
	}
}

func TestExpireAbandonedRejectsStalePending(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])

	// Let the hold lapse and get reclaimed by the sweeper.
	later := testNow.Add(time.Hour)
	f.store.Now = func() time.Time { return later }
	f.svc.now = func() time.Time { return later }
	reclaimed, err := f.store.Slots().ExpireHolds(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	expired, err := f.svc.ExpireAbandoned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	current, err := f.store.Appointments().Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusRejected, current.Status)
	assert.Equal(t, model.SlotStatusOpen, f.slot(t, f.slots[0].ID).Status)
}

func TestGetReturnsHistoryToParticipantsOnly(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slots[0])

	detail, err := f.svc.Get(context.Background(), f.patient, appt.ID)
	require.NoError(t, err)
	assert.Len(t, detail.History, 1)

	stranger := model.Actor{ID: uuid.New(), Role: model.RolePatient}
	_, err = f.svc.Get(context.Background(), stranger, appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
}

func TestListScopesToActor(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.slots[0])

	otherPatient := model.Actor{ID: uuid.New(), Role: model.RolePatient}
	_, err := f.svc.Book(context.Background(), otherPatient, f.doctor.ID, &model.BookAppointmentRequest{SlotID: f.slots[1].ID})
	require.NoError(t, err)

	mine, err := f.svc.List(context.Background(), f.patient, &model.AppointmentFilters{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	doctors, err := f.svc.List(context.Background(), f.doctor, &model.AppointmentFilters{})
	require.NoError(t, err)
	assert.Len(t, doctors, 2)
}
