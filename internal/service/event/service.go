package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/internal/repository"
)

// Service writes domain events to the transactional outbox. Events ride the
// same transaction as the state change they describe; the outbox processor
// delivers them to the broker after commit.
type Service struct {
	outbox repository.OutboxRepository
}

func NewService(outbox repository.OutboxRepository) *Service {
	return &Service{outbox: outbox}
}

func (s *Service) Emit(ctx context.Context, tx *sqlx.Tx, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return s.outbox.Create(ctx, tx, &model.OutboxEvent{
		EventType: eventType,
		Payload:   raw,
	})
}

// EmitScheduleInvalidation tells read-side availability caches to drop the
// doctor's day after a committed slot transition.
func (s *Service) EmitScheduleInvalidation(ctx context.Context, tx *sqlx.Tx, doctorID uuid.UUID, date time.Time) error {
	return s.Emit(ctx, tx, model.EventScheduleInvalidate, model.ScheduleInvalidation{
		DoctorID: doctorID,
		Date:     date.Format("2006-01-02"),
	})
}
