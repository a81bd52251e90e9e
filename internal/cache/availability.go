// Package cache holds the read-side availability cache. Entries are dropped
// by explicit schedule.invalidate events emitted with each committed slot
// transition, not by convention.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/medibook/booking-api/internal/model"
	"github.com/medibook/booking-api/pkg/messaging"
)

type Availability struct {
	c      *gocache.Cache
	logger *zerolog.Logger
}

func NewAvailability(ttl, cleanup time.Duration, logger *zerolog.Logger) *Availability {
	return &Availability{
		c:      gocache.New(ttl, cleanup),
		logger: logger,
	}
}

func key(doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("%s:%s", doctorID, date.Format("2006-01-02"))
}

func (a *Availability) Get(doctorID uuid.UUID, date time.Time) ([]*model.Slot, bool) {
	v, ok := a.c.Get(key(doctorID, date))
	if !ok {
		return nil, false
	}
	slots, ok := v.([]*model.Slot)
	return slots, ok
}

func (a *Availability) Set(doctorID uuid.UUID, date time.Time, slots []*model.Slot) {
	a.c.SetDefault(key(doctorID, date), slots)
}

func (a *Availability) Invalidate(doctorID uuid.UUID, date time.Time) {
	a.c.Delete(key(doctorID, date))
}

// Listen consumes schedule.invalidate events from the broker and purges the
// affected day. Blocks until ctx is done.
func (a *Availability) Listen(ctx context.Context, broker messaging.Broker) error {
	msgs, err := broker.Subscribe(ctx, model.EventScheduleInvalidate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to invalidation events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var inv model.ScheduleInvalidation
			if err := json.Unmarshal(msg, &inv); err != nil {
				a.logger.Warn().Err(err).Msg("malformed invalidation event")
				continue
			}
			date, err := time.Parse("2006-01-02", inv.Date)
			if err != nil {
				a.logger.Warn().Err(err).Str("date", inv.Date).Msg("malformed invalidation date")
				continue
			}
			a.Invalidate(inv.DoctorID, date)
		}
	}
}
