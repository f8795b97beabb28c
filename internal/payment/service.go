// internal/payment/service.go
package payment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"memberhub/internal/membership"
)

// Service defines the membership payment reconciliation operations.
type Service interface {
	CreateOrder(ctx context.Context, memberID, planID uuid.UUID) (*OrderResult, error)
	VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	CancelPayment(ctx context.Context, memberID uuid.UUID, orderID string) (*CancelResult, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error
	RetryPendingRefunds(ctx context.Context) (int, error)
}

type OrderResult struct {
	OrderID string `json:"orderId"`
	KeyID   string `json:"keyId"`
}

type VerifyRequest struct {
	OrderID   string
	PaymentID string
	Signature string
}

type VerifyResult struct {
	ValidUntil       *time.Time
	AlreadyProcessed bool
}

type CancelResult struct {
	Refunded bool
}

// Store persists members' entitlement and the transaction ledger.
type Store interface {
	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)

	// CreateTransaction inserts txn in state created, filling its prior
	// tier and expiry from the member row, and sets the member's payment
	// status to pending in the same unit of work.
	CreateTransaction(ctx context.Context, txn *Transaction) error

	FindByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*Transaction, error)

	// Transition applies t if the entry's status is still in t.From and
	// returns the updated entry, or ErrTransitionConflict.
	Transition(ctx context.Context, t Transition) (*Transaction, error)

	ListRefundPending(ctx context.Context, limit int) ([]Transaction, error)
}

// PlanCatalog resolves plan references on ledger entries.
type PlanCatalog interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*membership.Plan, error)
}

// Gateway is the subset of the payment provider's API this service uses.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*GatewayOrder, error)
	FetchPayment(ctx context.Context, paymentID string) (*GatewayPayment, error)
	RefundPayment(ctx context.Context, paymentID string) (*GatewayRefund, error)
}

type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Gateway payment statuses.
const (
	GatewayStatusCaptured   = "captured"
	GatewayStatusAuthorized = "authorized"
	GatewayStatusFailed     = "failed"
)

type GatewayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ErrorDescription string `json:"error_description"`
}

type GatewayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}
