package membership

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTierValid(t *testing.T) {
	for _, tier := range []Tier{TierBasic, TierSilver, TierGold, TierPlatinum, TierDiamond} {
		assert.True(t, tier.Valid(), tier)
	}
	assert.False(t, Tier("bronze").Valid())
	assert.False(t, Tier("").Valid())
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("gold")
	require.NoError(t, err)
	assert.Equal(t, TierGold, tier)

	_, err = ParseTier("bronze")
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestNewMemberDefaults(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMember("a@example.com", "A", now)

	assert.Equal(t, TierBasic, m.Tier)
	assert.Equal(t, PaymentPending, m.PaymentStatus)
	assert.Nil(t, m.ExpiresAt)
	assert.False(t, m.Expired(now))
}

func TestMemberExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	tomorrow := now.AddDate(0, 0, 1)

	assert.True(t, (&Member{Tier: TierGold, ExpiresAt: &yesterday}).Expired(now))
	assert.False(t, (&Member{Tier: TierGold, ExpiresAt: &tomorrow}).Expired(now))
	assert.False(t, (&Member{Tier: TierBasic, ExpiresAt: &yesterday}).Expired(now))
	assert.False(t, (&Member{Tier: TierGold, ExpiresAt: &now}).Expired(now))
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		price    string
		currency string
		want     int64
		wantErr  bool
	}{
		{"5000", "INR", 500000, false},
		{"19.99", "USD", 1999, false},
		{"1500", "JPY", 1500, false},
		{"1.234", "KWD", 1234, false},
		{"1.5", "JPY", 0, true},
		{"0.001", "INR", 0, true},
		{"-1", "INR", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.price+tt.currency, func(t *testing.T) {
			got, err := MinorUnits(decimal.RequireFromString(tt.price), tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMinorUnitsMatchesHundredfoldForTwoDigitCurrencies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		major := rapid.Int64Range(0, 10_000_000).Draw(t, "major")
		got, err := MinorUnits(decimal.NewFromInt(major), "INR")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != major*100 {
			t.Fatalf("got %d, want %d", got, major*100)
		}
	})
}

func TestPlanExpiryFrom(t *testing.T) {
	p := Plan{DurationDays: 30}
	start := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 14, 9, 30, 0, 0, time.UTC), p.ExpiryFrom(start))
}
