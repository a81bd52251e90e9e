package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/booking-api/internal/gateway"
	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository/memory"
	"github.com/medibook/booking-api/internal/service/event"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

var testMetrics = metrics.NewMetrics("test", "payment")

const webhookSecret = "test-webhook-secret"

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu        sync.Mutex
	charges   []*gateway.ChargeRequest
	refunds   []*gateway.RefundRequest
	refundErr error
}

func (g *fakeGateway) Charge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	return &gateway.ChargeResponse{CheckoutURL: "https://pay.example/" + req.Reference, Reference: req.Reference}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req *gateway.RefundRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return nil
}

type fixture struct {
	store   *memory.Store
	svc     *Service
	gw      *fakeGateway
	patient model.Actor
	doctor  model.Actor
	appt    *model.Appointment
	slot    *model.Slot
	payment *model.Payment
}

// newFixture seeds a pending appointment holding a slot, with an initiated
// payment carrying a gateway reference.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.Now = func() time.Time { return testNow }

	doctorID := uuid.New()
	patientID := uuid.New()

	start := testNow.Add(24 * time.Hour)
	slot := &model.Slot{
		DoctorID:  doctorID,
		Date:      start.Truncate(24 * time.Hour),
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Status:    model.SlotStatusOpen,
	}
	_, err := store.Slots().BulkInsert(context.Background(), []*model.Slot{slot})
	require.NoError(t, err)

	appt := &model.Appointment{
		PatientID: patientID,
		DoctorID:  doctorID,
		SlotID:    slot.ID,
		Status:    model.AppointmentStatusPending,
		Fee:       5000,
		Currency:  "USD",
	}
	appt.ID = uuid.New()
	require.NoError(t, store.Appointments().Create(context.Background(), nil, appt))
	require.NoError(t, store.Slots().TryHold(context.Background(), nil, slot.ID, appt.ID, testNow.Add(15*time.Minute)))

	payment := &model.Payment{
		AppointmentID: appt.ID,
		Amount:        5000,
		Currency:      "USD",
		Status:        model.PaymentStatusInitiated,
	}
	require.NoError(t, store.Payments().Create(context.Background(), nil, payment))
	reference := "bk-" + payment.ID.String()
	require.NoError(t, store.Payments().SetGatewayReference(context.Background(), payment.ID, reference))
	payment.GatewayReference = reference

	gw := &fakeGateway{}
	svc := NewService(
		store.Payments(),
		store.Appointments(),
		store.Slots(),
		store.TxManager(),
		event.NewService(store.Outbox()),
		gw,
		testMetrics,
		zerolog.Nop(),
		Config{WebhookSecret: webhookSecret},
	)
	svc.now = func() time.Time { return testNow }

	return &fixture{
		store:   store,
		svc:     svc,
		gw:      gw,
		patient: model.Actor{ID: patientID, Role: model.RolePatient},
		doctor:  model.Actor{ID: doctorID, Role: model.RoleDoctor},
		appt:    appt,
		slot:    slot,
		payment: payment,
	}
}

func (f *fixture) webhookBody(t *testing.T, status string) []byte {
	t.Helper()
	body, err := json.Marshal(model.WebhookPayload{
		Reference: f.payment.GatewayReference,
		Status:    status,
		Amount:    f.payment.Amount,
	})
	require.NoError(t, err)
	return body
}

func (f *fixture) paymentState(t *testing.T) model.PaymentStatus {
	t.Helper()
	p, err := f.store.Payments().Get(context.Background(), f.payment.ID)
	require.NoError(t, err)
	return p.Status
}

func (f *fixture) appointmentState(t *testing.T) model.AppointmentStatus {
	t.Helper()
	a, err := f.store.Appointments().Get(context.Background(), f.appt.ID)
	require.NoError(t, err)
	return a.Status
}

func (f *fixture) slotState(t *testing.T) model.SlotStatus {
	t.Helper()
	s, err := f.store.Slots().Get(context.Background(), f.slot.ID)
	require.NoError(t, err)
	return s.Status
}

func TestInitiateReturnsCheckout(t *testing.T) {
	f := newFixture(t)

	checkout, err := f.svc.Initiate(context.Background(), f.patient, f.appt.ID)
	require.NoError(t, err)
	assert.Equal(t, f.payment.GatewayReference, checkout.Reference)
	assert.Contains(t, checkout.CheckoutURL, checkout.Reference)

	require.Len(t, f.gw.charges, 1)
	assert.Equal(t, int64(5000), f.gw.charges[0].Amount)
	assert.Equal(t, "USD", f.gw.charges[0].Currency)
}

func TestInitiateOnlyByBookingPatient(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Initiate(context.Background(), f.doctor, f.appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))

	stranger := model.Actor{ID: uuid.New(), Role: model.RolePatient}
	_, err = f.svc.Initiate(context.Background(), stranger, f.appt.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
}

func TestWebhookBadSignatureCausesNoStateChange(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)

	err := f.svc.HandleWebhook(context.Background(), body, "deadbeef")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))

	assert.Equal(t, model.PaymentStatusInitiated, f.paymentState(t))
	assert.Equal(t, model.AppointmentStatusPending, f.appointmentState(t))
	assert.Equal(t, model.SlotStatusHeld, f.slotState(t))
}

func TestWebhookTamperedBodyFailsVerification(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)
	signature := gateway.Sign(webhookSecret, body)

	tampered := f.webhookBody(t, model.WebhookStatusFailed)
	err := f.svc.HandleWebhook(context.Background(), tampered, signature)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	assert.Equal(t, model.PaymentStatusInitiated, f.paymentState(t))
}

func TestWebhookSuccessConfirmsAtomically(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)

	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body)))

	assert.Equal(t, model.PaymentStatusPaid, f.paymentState(t))
	assert.Equal(t, model.AppointmentStatusConfirmed, f.appointmentState(t))
	assert.Equal(t, model.SlotStatusBooked, f.slotState(t))
}

func TestWebhookReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)
	signature := gateway.Sign(webhookSecret, body)

	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, signature))
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, signature))

	history, err := f.store.Appointments().ListEvents(context.Background(), f.appt.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, model.PaymentStatusPaid, f.paymentState(t))
}

func TestWebhookFailureRejectsAndReleases(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusFailed)

	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body)))

	assert.Equal(t, model.PaymentStatusFailed, f.paymentState(t))
	assert.Equal(t, model.AppointmentStatusRejected, f.appointmentState(t))
	assert.Equal(t, model.SlotStatusOpen, f.slotState(t))
}

func TestWebhookFailedReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusFailed)
	signature := gateway.Sign(webhookSecret, body)

	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, signature))
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, signature))

	assert.Equal(t, model.PaymentStatusFailed, f.paymentState(t))
	assert.Equal(t, model.AppointmentStatusRejected, f.appointmentState(t))
	assert.Equal(t, model.SlotStatusOpen, f.slotState(t))

	history, err := f.store.Appointments().ListEvents(context.Background(), f.appt.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWebhookUnknownReference(t *testing.T) {
	f := newFixture(t)
	body, err := json.Marshal(model.WebhookPayload{Reference: "bk-unknown", Status: model.WebhookStatusSuccess})
	require.NoError(t, err)

	err = f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// A payment settling after the hold lapsed and the slot went to someone else
// keeps the money trail honest: paid, then refunded, appointment rejected.
func TestWebhookLatePaymentAfterSlotLost(t *testing.T) {
	f := newFixture(t)

	// The hold lapses and another appointment takes the slot.
	later := testNow.Add(time.Hour)
	f.store.Now = func() time.Time { return later }
	f.svc.now = func() time.Time { return later }
	rival := uuid.New()
	require.NoError(t, f.store.Slots().TryHold(context.Background(), nil, f.slot.ID, rival, later.Add(15*time.Minute)))

	body := f.webhookBody(t, model.WebhookStatusSuccess)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body)))

	assert.Equal(t, model.AppointmentStatusRejected, f.appointmentState(t))
	// The rival's hold survives.
	s, err := f.store.Slots().Get(context.Background(), f.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotStatusHeld, s.Status)
	require.NotNil(t, s.AppointmentID)
	assert.Equal(t, rival, *s.AppointmentID)

	// The payment settled and was refunded in full.
	assert.Equal(t, model.PaymentStatusRefunded, f.paymentState(t))
	require.Len(t, f.gw.refunds, 1)
	assert.Equal(t, f.payment.GatewayReference, f.gw.refunds[0].Reference)
	assert.Equal(t, int64(5000), f.gw.refunds[0].Amount)
}

func TestRefundAppendsHistoryAndEvent(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body)))

	require.NoError(t, f.svc.RefundAppointment(context.Background(), f.appt.ID, "doctor_unavailable"))

	assert.Equal(t, model.PaymentStatusRefunded, f.paymentState(t))

	history, err := f.store.Appointments().ListEvents(context.Background(), f.appt.ID)
	require.NoError(t, err)
	var refundEvents int
	for _, e := range history {
		if e.Kind == model.EventKindRefund {
			refundEvents++
			require.NotNil(t, e.Reference)
			assert.Equal(t, f.payment.GatewayReference, *e.Reference)
		}
	}
	assert.Equal(t, 1, refundEvents)

	var published int
	for _, e := range f.store.OutboxEvents() {
		if e.EventType == model.EventPaymentRefunded {
			published++
		}
	}
	assert.Equal(t, 1, published)
}

func TestRefundIsIdempotent(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body)))

	require.NoError(t, f.svc.RefundAppointment(context.Background(), f.appt.ID, "emergency"))
	require.NoError(t, f.svc.RefundAppointment(context.Background(), f.appt.ID, "emergency"))

	assert.Len(t, f.gw.refunds, 1)
}

func TestRefundRequiresPaid(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RefundAppointment(context.Background(), f.appt.ID, "too early")
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestRefundGatewayFailureParksForOperator(t *testing.T) {
	f := newFixture(t)
	body := f.webhookBody(t, model.WebhookStatusSuccess)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, gateway.Sign(webhookSecret, body)))
	f.gw.refundErr = errors.New("gateway down")

	err := f.svc.RefundAppointment(context.Background(), f.appt.ID, "doctor_unavailable")
	require.Error(t, err)
	appErr, ok := apperrors.From(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrGateway, appErr.Code)
	assert.True(t, appErr.Retryable)

	// The money stays accounted for: still paid, parked for an operator.
	assert.Equal(t, model.PaymentStatusPaid, f.paymentState(t))
	var parked int
	for _, e := range f.store.OutboxEvents() {
		if e.EventType == model.EventRefundPending {
			parked++
		}
	}
	assert.Equal(t, 1, parked)

	// The operator replays it by reference once the gateway recovers.
	f.gw.refundErr = nil
	require.NoError(t, f.svc.RefundByReference(context.Background(), f.payment.GatewayReference, "operator retry"))
	assert.Equal(t, model.PaymentStatusRefunded, f.paymentState(t))
}
