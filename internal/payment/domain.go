// internal/payment/domain.go
package payment

import (
	"time"

	"github.com/google/uuid"

	"memberhub/internal/membership"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// transitions lists every allowed move. A failed entry can still be paid
// because the gateway accepts further attempts on the same order.
// cancelled -> cancelled records a capture that landed after cancellation so
// its refund can be retried; cancelled -> refunded completes that refund.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:      {StatusRefunded, StatusCancelled},
	StatusFailed:    {StatusPaid, StatusCancelled},
	StatusCancelled: {StatusCancelled, StatusRefunded},
}

// CanTransition reports whether a ledger entry may move from one state to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the entry can no longer grant its plan.
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPaid, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Transaction is one ledger entry: a single attempt by a member to buy a plan.
type Transaction struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	MemberID       uuid.UUID       `json:"member_id" db:"member_id"`
	PlanID         uuid.UUID       `json:"plan_id" db:"plan_id"`
	OrderID        string          `json:"order_id" db:"order_id"`
	PaymentID      string          `json:"payment_id,omitempty" db:"payment_id"`
	Receipt        string          `json:"receipt" db:"receipt"`
	Amount         int64           `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Status         Status          `json:"status" db:"status"`
	FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
	PriorTier      membership.Tier `json:"prior_tier" db:"prior_tier"`
	PriorExpiresAt *time.Time      `json:"prior_expires_at,omitempty" db:"prior_expires_at"`
	RefundID       string          `json:"refund_id,omitempty" db:"refund_id"`
	RefundPending  bool            `json:"refund_pending" db:"refund_pending"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty" db:"refunded_at"`
	Version        int             `json:"version" db:"version"`
}

// MemberProjection is the member write that accompanies a ledger transition.
// Tier and ExpiresAt are written only when SetEntitlement is true.
type MemberProjection struct {
	SetEntitlement bool
	Tier           membership.Tier
	ExpiresAt      *time.Time
	PaymentStatus  membership.PaymentStatus
}

// Upgrade grants tier until expiresAt.
func Upgrade(tier membership.Tier, expiresAt time.Time) *MemberProjection {
	return &MemberProjection{
		SetEntitlement: true,
		Tier:           tier,
		ExpiresAt:      &expiresAt,
		PaymentStatus:  membership.PaymentCompleted,
	}
}

// Rollback restores the entitlement captured when txn was created.
func Rollback(txn *Transaction) *MemberProjection {
	return &MemberProjection{
		SetEntitlement: true,
		Tier:           txn.PriorTier,
		ExpiresAt:      txn.PriorExpiresAt,
		PaymentStatus:  membership.PaymentCancelled,
	}
}

// StatusOnly changes the member's payment status and leaves entitlement alone.
func StatusOnly(status membership.PaymentStatus) *MemberProjection {
	return &MemberProjection{PaymentStatus: status}
}

// Transition is a compare-and-set on a ledger entry's status. Stores apply it
// only if the entry is currently in one of From (and at Version, when set),
// and write the ledger row, the member projection and the journal entry
// atomically.
type Transition struct {
	TransactionID uuid.UUID
	From          []Status
	To            Status
	Version       int
	At            time.Time
	Cause         string

	PaymentID     string
	RefundID      string
	FailureReason string
	RefundPending *bool

	Member *MemberProjection
}

// Allowed reports whether every source state may legally reach To.
func (t Transition) Allowed() bool {
	if len(t.From) == 0 {
		return false
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return false
		}
	}
	return true
}

// Apply returns txn as it looks after t. The caller has already checked From.
func (t Transition) Apply(txn Transaction) Transaction {
	at := t.At
	moved := txn.Status != t.To
	txn.Status = t.To
	txn.UpdatedAt = at
	txn.Version++
	if t.PaymentID != "" {
		txn.PaymentID = t.PaymentID
	}
	if t.RefundID != "" {
		txn.RefundID = t.RefundID
	}
	if t.FailureReason != "" {
		txn.FailureReason = t.FailureReason
	}
	if t.RefundPending != nil {
		txn.RefundPending = *t.RefundPending
	}
	if !moved {
		return txn
	}
	switch t.To {
	case StatusPaid:
		txn.PaidAt = &at
	case StatusFailed:
		txn.FailedAt = &at
	case StatusCancelled:
		txn.CancelledAt = &at
	case StatusRefunded:
		txn.RefundedAt = &at
	}
	return txn
}

// Journal event types recorded alongside ledger changes.
const (
	EventTransactionCreated = "TransactionCreated"
	EventTransactionChanged = "TransactionStatusChanged"
)

// CreatedEvent is the journal payload for a new ledger entry.
type CreatedEvent struct {
	MemberID       uuid.UUID       `json:"member_id"`
	PlanID         uuid.UUID       `json:"plan_id"`
	OrderID        string          `json:"order_id"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency"`
	PriorTier      membership.Tier `json:"prior_tier"`
	PriorExpiresAt *time.Time      `json:"prior_expires_at,omitempty"`
}

// StatusChangedEvent is the journal payload for an applied transition.
type StatusChangedEvent struct {
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Cause         string    `json:"cause"`
	PaymentID     string    `json:"payment_id,omitempty"`
	RefundID      string    `json:"refund_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	At            time.Time `json:"at"`
}

func boolPtr(b bool) *bool { return &b }
