// internal/membership/expiry.go
package membership

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"memberhub/internal/clock"
)

// ExpiryStore downgrades every non-basic member whose expiry is before now
// to basic with payment status failed, returning the members it changed.
type ExpiryStore interface {
	DowngradeExpired(ctx context.Context, now time.Time) ([]Member, error)
}

// ExpirySweeper runs the daily entitlement fix-up. It never writes ledger
// entries.
type ExpirySweeper struct {
	store  ExpiryStore
	clock  clock.Clock
	logger *zap.Logger
	hour   int
	loc    *time.Location

	downgrades metric.Int64Counter
}

func NewExpirySweeper(store ExpiryStore, clk clock.Clock, logger *zap.Logger, hour int) *ExpirySweeper {
	counter, _ := otel.Meter("memberhub/membership").Int64Counter(
		"membership.expiry.downgrades",
		metric.WithDescription("Members downgraded to basic by the expiry sweep"),
	)
	return &ExpirySweeper{
		store:      store,
		clock:      clk,
		logger:     logger,
		hour:       hour,
		loc:        time.Local,
		downgrades: counter,
	}
}

// SweepOnce downgrades expired members and returns how many changed.
// Running it again immediately changes nothing.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	s.logger.Info("running membership expiry sweep", zap.Time("now", now))

	members, err := s.store.DowngradeExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to downgrade expired members: %w", err)
	}

	for _, m := range members {
		s.logger.Info("downgraded expired membership",
			zap.String("member_id", m.ID.String()),
			zap.String("email", m.Email),
		)
	}
	if len(members) == 0 {
		s.logger.Info("no expired memberships found")
	}
	if s.downgrades != nil {
		s.downgrades.Add(ctx, int64(len(members)))
	}
	return len(members), nil
}

// Run sweeps once a day at the configured local hour until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context) {
	s.logger.Info("expiry sweeper started", zap.Int("hour", s.hour))
	for {
		now := s.clock.Now().In(s.loc)
		next := NextRun(now, s.hour)
		s.logger.Info("next expiry sweep scheduled",
			zap.Time("at", next),
			zap.Duration("in", next.Sub(now)),
		)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("expiry sweeper stopped")
			return
		case <-timer.C:
		}

		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("expiry sweep failed", zap.Error(err))
		}
	}
}

// NextRun returns the first instant strictly after now at hour:00 in now's
// location.
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
