package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository/memory"
	"github.com/medibook/booking-api/internal/service/event"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/metrics"
)

var testMetrics = metrics.NewMetrics("test", "schedule")

type fixture struct {
	store  *memory.Store
	svc    *Service
	doctor model.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	doctorID := uuid.New()
	svc := NewService(
		store.Schedule(),
		store.Slots(),
		store.TxManager(),
		event.NewService(store.Outbox()),
		nil,
		testMetrics,
		Config{MaxGenerationDays: 90},
	)
	base := monday.Add(-24 * time.Hour)
	store.Now = func() time.Time { return base }
	svc.now = func() time.Time { return base }
	return &fixture{
		store:  store,
		svc:    svc,
		doctor: model.Actor{ID: doctorID, Role: model.RoleDoctor},
	}
}

func (f *fixture) upsertProfile(t *testing.T) *model.WorkingHoursProfile {
	t.Helper()
	profile, err := f.svc.UpsertWorkingHours(context.Background(), f.doctor, f.doctor.ID, &model.UpsertWorkingHoursRequest{
		WorkingHours: []model.DaySchedule{
			{Day: time.Monday, StartTime: "09:00", EndTime: "12:00"},
		},
		AppointmentDuration:  30,
		SlotInterval:         30,
		MaxDailyAppointments: 100,
		ConsultationFee:      5000,
		Currency:             "USD",
	})
	require.NoError(t, err)
	return profile
}

func TestUpsertWorkingHoursOwnership(t *testing.T) {
	f := newFixture(t)
	stranger := model.Actor{ID: uuid.New(), Role: model.RoleDoctor}

	_, err := f.svc.UpsertWorkingHours(context.Background(), stranger, f.doctor.ID, &model.UpsertWorkingHoursRequest{})
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
}

func TestUpsertWorkingHoursRejectsBreakOutsideWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpsertWorkingHours(context.Background(), f.doctor, f.doctor.ID, &model.UpsertWorkingHoursRequest{
		WorkingHours: []model.DaySchedule{
			{Day: time.Monday, StartTime: "09:00", EndTime: "12:00", Breaks: []model.Break{
				{StartTime: "11:45", EndTime: "12:15"},
			}},
		},
		AppointmentDuration:  30,
		SlotInterval:         30,
		MaxDailyAppointments: 100,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestUpsertWorkingHoursRejectsOverlappingBreaks(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpsertWorkingHours(context.Background(), f.doctor, f.doctor.ID, &model.UpsertWorkingHoursRequest{
		WorkingHours: []model.DaySchedule{
			{Day: time.Monday, StartTime: "09:00", EndTime: "17:00", Breaks: []model.Break{
				{StartTime: "12:00", EndTime: "13:00"},
				{StartTime: "12:30", EndTime: "13:30"},
			}},
		},
		AppointmentDuration:  30,
		SlotInterval:         30,
		MaxDailyAppointments: 100,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestUpsertWorkingHoursBumpsVersion(t *testing.T) {
	f := newFixture(t)

	first := f.upsertProfile(t)
	second := f.upsertProfile(t)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
}

func TestGenerateSlotsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.upsertProfile(t)
	day := monday.Format("2006-01-02")

	first, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, day, day)
	require.NoError(t, err)
	assert.Equal(t, int64(6), first)

	second, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, day, day)
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestGenerateSlotsValidatesRange(t *testing.T) {
	f := newFixture(t)
	f.upsertProfile(t)

	_, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, "2026-03-09", "2026-03-02")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, "2026-03-02", "2026-09-02")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestGenerateSlotsWithoutProfile(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, "2026-03-02", "2026-03-02")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestListSlotsPresentsExpiredHoldsAsOpen(t *testing.T) {
	f := newFixture(t)
	f.upsertProfile(t)
	day := monday.Format("2006-01-02")
	_, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, day, day)
	require.NoError(t, err)

	slots, err := f.svc.ListSlots(context.Background(), f.doctor.ID, day)
	require.NoError(t, err)
	require.Len(t, slots, 6)

	// Hold one slot with a lease that has already lapsed.
	now := f.svc.now()
	expired := now.Add(-time.Minute)
	require.NoError(t, f.store.Slots().TryHold(context.Background(), nil, slots[0].ID, uuid.New(), expired))

	listed, err := f.svc.ListSlots(context.Background(), f.doctor.ID, day)
	require.NoError(t, err)
	for _, s := range listed {
		assert.Equal(t, model.SlotStatusOpen, s.Status)
		assert.Nil(t, s.AppointmentID)
	}
}

func TestCreateBlockedTimeRefusesToOrphanBookedSlot(t *testing.T) {
	f := newFixture(t)
	f.upsertProfile(t)
	day := monday.Format("2006-01-02")
	_, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, day, day)
	require.NoError(t, err)

	slots, err := f.store.Slots().ListForDate(context.Background(), f.doctor.ID, monday)
	require.NoError(t, err)

	// Book the 10:00 slot.
	apptID := uuid.New()
	require.NoError(t, f.store.Slots().TryHold(context.Background(), nil, slots[2].ID, apptID, f.svc.now().Add(time.Hour)))
	require.NoError(t, f.store.Slots().Confirm(context.Background(), nil, slots[2].ID, apptID))

	_, err = f.svc.CreateBlockedTime(context.Background(), f.doctor, f.doctor.ID, &model.CreateBlockedTimeRequest{
		Date:      day,
		StartTime: "09:30",
		EndTime:   "10:30",
		Reason:    "surgery",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestCreateBlockedTimeRemovesCoveredOpenSlots(t *testing.T) {
	f := newFixture(t)
	f.upsertProfile(t)
	day := monday.Format("2006-01-02")
	_, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, day, day)
	require.NoError(t, err)

	blocked, err := f.svc.CreateBlockedTime(context.Background(), f.doctor, f.doctor.ID, &model.CreateBlockedTimeRequest{
		Date:      day,
		StartTime: "10:00",
		EndTime:   "11:00",
		Reason:    "meeting",
	})
	require.NoError(t, err)
	assert.Equal(t, "meeting", blocked.Reason)

	slots, err := f.store.Slots().ListForDate(context.Background(), f.doctor.ID, monday)
	require.NoError(t, err)
	assert.Len(t, slots, 4)

	// Regeneration over the same range respects the new blocked window.
	inserted, err := f.svc.GenerateSlots(context.Background(), f.doctor, f.doctor.ID, day, day)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}
