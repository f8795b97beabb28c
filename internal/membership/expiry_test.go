package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"memberhub/internal/clock"
)

type fakeExpiryStore struct {
	mu      sync.Mutex
	members map[uuid.UUID]*Member
	err     error
}

func (s *fakeExpiryStore) DowngradeExpired(ctx context.Context, now time.Time) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var changed []Member
	for _, m := range s.members {
		if m.Expired(now) {
			m.Tier = TierBasic
			m.PaymentStatus = PaymentFailed
			changed = append(changed, *m)
		}
	}
	return changed, nil
}

func TestExpirySweeperDowngradesOnce(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	nextWeek := now.AddDate(0, 0, 7)

	expired := &Member{ID: uuid.New(), Tier: TierGold, ExpiresAt: &yesterday, PaymentStatus: PaymentCompleted}
	active := &Member{ID: uuid.New(), Tier: TierSilver, ExpiresAt: &nextWeek, PaymentStatus: PaymentCompleted}
	basic := &Member{ID: uuid.New(), Tier: TierBasic, ExpiresAt: &yesterday, PaymentStatus: PaymentCancelled}

	store := &fakeExpiryStore{members: map[uuid.UUID]*Member{
		expired.ID: expired,
		active.ID:  active,
		basic.ID:   basic,
	}}
	sweeper := NewExpirySweeper(store, clock.NewManual(now), zap.NewNop(), 0)

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, TierBasic, expired.Tier)
	assert.Equal(t, PaymentFailed, expired.PaymentStatus)
	assert.Equal(t, TierSilver, active.Tier)
	assert.Equal(t, PaymentCancelled, basic.PaymentStatus)

	n, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpirySweeperPropagatesStoreError(t *testing.T) {
	store := &fakeExpiryStore{err: errors.New("connection reset")}
	sweeper := NewExpirySweeper(store, clock.NewSystem(), zap.NewNop(), 0)

	_, err := sweeper.SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestExpirySweeperRunStopsOnCancel(t *testing.T) {
	sweeper := NewExpirySweeper(&fakeExpiryStore{}, clock.NewSystem(), zap.NewNop(), 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type recordingExpiryStore struct {
	calls chan time.Time
}

func (s *recordingExpiryStore) DowngradeExpired(ctx context.Context, now time.Time) ([]Member, error) {
	// The frozen clock keeps the next run due, so later sweeps are dropped.
	select {
	case s.calls <- now:
	default:
	}
	return nil, nil
}

func TestExpirySweeperRunSchedulesFromClock(t *testing.T) {
	// The injected clock is a few milliseconds before the sweep hour, whatever
	// the wall clock says.
	start := time.Date(2025, 6, 10, 2, 59, 59, 990_000_000, time.UTC)
	store := &recordingExpiryStore{calls: make(chan time.Time, 1)}
	sweeper := NewExpirySweeper(store, clock.NewManual(start), zap.NewNop(), 3)
	sweeper.loc = time.UTC

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case now := <-store.calls:
		assert.True(t, start.Equal(now))
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run at the scheduled hour")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{"before hour", time.Date(2025, 1, 1, 1, 0, 0, 0, loc), 2, time.Date(2025, 1, 1, 2, 0, 0, 0, loc)},
		{"after hour", time.Date(2025, 1, 1, 3, 0, 0, 0, loc), 2, time.Date(2025, 1, 2, 2, 0, 0, 0, loc)},
		{"exactly on hour", time.Date(2025, 1, 1, 0, 0, 0, 0, loc), 0, time.Date(2025, 1, 2, 0, 0, 0, 0, loc)},
		{"month rollover", time.Date(2025, 1, 31, 23, 30, 0, 0, loc), 0, time.Date(2025, 2, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(tt.now, tt.hour))
		})
	}
}
