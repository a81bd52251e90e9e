package worker

import (
	"context"
	"time"

	"github.com/medibook/booking-api/pkg/logger"
	"github.com/medibook/booking-api/pkg/metrics"
)

// HoldReclaimer is the slice of the slot store the sweeper needs.
type HoldReclaimer interface {
	ExpireHolds(ctx context.Context, now time.Time) (int64, error)
}

// AbandonExpirer rejects pending appointments whose hold is gone.
type AbandonExpirer interface {
	ExpireAbandoned(ctx context.Context) (int, error)
}

// HoldSweeper periodically reclaims lapsed slot holds and rejects the
// pending appointments left behind. Reclamation also happens lazily on the
// next hold attempt; the sweeper just bounds how long a dead hold can sit.
type HoldSweeper struct {
	slots    HoldReclaimer
	bookings AbandonExpirer
	interval time.Duration
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewHoldSweeper(slots HoldReclaimer, bookings AbandonExpirer, interval time.Duration, logger *logger.Logger, metrics *metrics.Metrics) *HoldSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HoldSweeper{
		slots:    slots,
		bookings: bookings,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *HoldSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("starting hold sweeper")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down hold sweeper")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *HoldSweeper) sweep(ctx context.Context) {
	reclaimed, err := s.slots.ExpireHolds(ctx, time.Now())
	if err != nil {
		s.logger.Error(err, "failed to reclaim expired holds")
		return
	}
	if reclaimed > 0 {
		s.logger.Info("reclaimed expired holds", "count", reclaimed)
	}

	expired, err := s.bookings.ExpireAbandoned(ctx)
	if err != nil {
		s.logger.Error(err, "failed to expire abandoned bookings")
		return
	}
	if expired > 0 {
		s.logger.Info("expired abandoned bookings", "count", expired)
	}
}
