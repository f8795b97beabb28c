// internal/membership/domain.go
package membership

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrPlanNotFound   = errors.New("plan not found")
	ErrInvalidTier    = errors.New("invalid membership tier")
)

// Tier is a membership level. Tiers are ordered from basic to diamond.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

var knownTiers = map[Tier]bool{
	TierBasic:    true,
	TierSilver:   true,
	TierGold:     true,
	TierPlatinum: true,
	TierDiamond:  true,
}

// ParseTier validates s against the known tiers.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

func (t Tier) Valid() bool {
	return knownTiers[t]
}

// PaymentStatus is the member-facing summary of the latest purchase attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Member is the entitlement snapshot of one association member.
type Member struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	Email         string        `json:"email" db:"email"`
	Name          string        `json:"name" db:"name"`
	Tier          Tier          `json:"membership_tier" db:"membership_tier"`
	ExpiresAt     *time.Time    `json:"membership_expires_at" db:"membership_expires_at"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`
	Version       int           `json:"version" db:"version"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// NewMember returns a member with the signup defaults.
func NewMember(email, name string, now time.Time) *Member {
	return &Member{
		ID:            uuid.New(),
		Email:         email,
		Name:          name,
		Tier:          TierBasic,
		PaymentStatus: PaymentPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Expired reports whether a paid period has elapsed at now.
func (m *Member) Expired(now time.Time) bool {
	return m.Tier != TierBasic && m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// Plan is a purchasable tier definition.
type Plan struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Name         Tier            `json:"name" db:"name"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Currency     string          `json:"currency" db:"currency"`
	DurationDays int             `json:"duration_days" db:"duration_days"`
	Benefits     []string        `json:"benefits" db:"-"`
}

// AmountMinor returns the plan price in the currency's minor units.
func (p *Plan) AmountMinor() (int64, error) {
	return MinorUnits(p.Price, p.Currency)
}

// ExpiryFrom returns the end of a paid period starting at start.
func (p *Plan) ExpiryFrom(start time.Time) time.Time {
	return start.AddDate(0, 0, p.DurationDays)
}
