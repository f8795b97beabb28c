package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"memberhub/internal/clock"
	"memberhub/internal/membership"
	"memberhub/internal/payment"
	"memberhub/internal/storage/memory"
)

const (
	testKeyID         = "rzp_test_key"
	testKeySecret     = "rzp_test_secret"
	testWebhookSecret = "whsec_test"
)

var (
	goldPlanID   = uuid.MustParse("7b0c1c4e-2f7a-4a43-9d55-1a0e3f1b6a02")
	silverPlanID = uuid.MustParse("7b0c1c4e-2f7a-4a43-9d55-1a0e3f1b6a01")
	testNow      = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
)

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

var errGatewayDown = errors.New("gateway down")

// fakeGateway records calls and serves payments registered by the test.
type fakeGateway struct {
	mu        sync.Mutex
	orders    int
	createErr error
	payments  map[string]payment.GatewayPayment
	fetchErr  error
	fetches   int
	refundErr error
	refunds   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]payment.GatewayPayment)}
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.orders++
	return &payment.GatewayOrder{
		ID:       fmt.Sprintf("order_%d", g.orders),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) FetchPayment(ctx context.Context, paymentID string) (*payment.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", paymentID)
	}
	return &p, nil
}

func (g *fakeGateway) RefundPayment(ctx context.Context, paymentID string) (*payment.GatewayRefund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds++
	return &payment.GatewayRefund{
		ID:        fmt.Sprintf("rfnd_%d", g.refunds),
		PaymentID: paymentID,
		Status:    "processed",
	}, nil
}

func (g *fakeGateway) capture(paymentID, orderID string, amount int64) {
	g.setPayment(payment.GatewayPayment{
		ID: paymentID, OrderID: orderID, Status: payment.GatewayStatusCaptured, Amount: amount, Currency: "INR",
	})
}

func (g *fakeGateway) setPayment(p payment.GatewayPayment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[p.ID] = p
}

func (g *fakeGateway) setRefundErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundErr = err
}

func (g *fakeGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	clock   *clock.Manual
	service payment.Service
	member  *membership.Member
}

func newFixture(t testingT) *fixture {
	t.Helper()

	store := memory.NewStore()
	store.PutPlans([]membership.Plan{
		{ID: silverPlanID, Name: membership.TierSilver, Price: decimal.NewFromInt(2000), Currency: "INR", DurationDays: 30},
		{ID: goldPlanID, Name: membership.TierGold, Price: decimal.NewFromInt(5000), Currency: "INR", DurationDays: 30},
	})
	member := membership.NewMember("asha@example.com", "Asha", testNow.AddDate(0, -1, 0))
	store.PutMember(*member)

	gw := newFakeGateway()
	clk := clock.NewManual(testNow)
	svc := payment.NewService(store, store, gw, clk, zap.NewNop(), payment.Options{
		KeyID:              testKeyID,
		KeySecret:          testKeySecret,
		WebhookSecret:      testWebhookSecret,
		OrderRatePerMinute: 100,
	})
	return &fixture{store: store, gateway: gw, clock: clk, service: svc, member: member}
}

func newServiceWithoutWebhookSecret(f *fixture) payment.Service {
	return payment.NewService(f.store, f.store, f.gateway, f.clock, zap.NewNop(), payment.Options{
		KeyID:              testKeyID,
		KeySecret:          testKeySecret,
		OrderRatePerMinute: 100,
	})
}

// order creates a gold order for the fixture member and returns its id.
func (f *fixture) order(t testingT) string {
	t.Helper()
	res, err := f.service.CreateOrder(context.Background(), f.member.ID, goldPlanID)
	require.NoError(t, err)
	return res.OrderID
}

func (f *fixture) verifyRequest(orderID, paymentID string) payment.VerifyRequest {
	return payment.VerifyRequest{
		OrderID:   orderID,
		PaymentID: paymentID,
		Signature: payment.PaymentSignature(testKeySecret, orderID, paymentID),
	}
}

func (f *fixture) txn(t testingT, orderID string) *payment.Transaction {
	t.Helper()
	txn, err := f.store.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return txn
}

func (f *fixture) currentMember(t testingT) *membership.Member {
	t.Helper()
	m, err := f.store.GetMember(context.Background(), f.member.ID)
	require.NoError(t, err)
	return m
}

func (f *fixture) webhook(ctx context.Context, body []byte) error {
	return f.service.HandleWebhook(ctx, body, payment.WebhookSignature(testWebhookSecret, body))
}

func capturedWebhook(orderID, paymentID string, amount int64) []byte {
	return mustJSON(map[string]interface{}{
		"event": payment.EventPaymentCaptured,
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{"entity": map[string]interface{}{
				"id": paymentID, "order_id": orderID, "status": "captured", "amount": amount, "currency": "INR",
			}},
		},
	})
}

func failedWebhook(orderID, paymentID, description string) []byte {
	return mustJSON(map[string]interface{}{
		"event": payment.EventPaymentFailed,
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{"entity": map[string]interface{}{
				"id": paymentID, "order_id": orderID, "status": "failed", "error_description": description,
			}},
		},
	})
}

func refundWebhook(event, refundID, paymentID string) []byte {
	return mustJSON(map[string]interface{}{
		"event": event,
		"payload": map[string]interface{}{
			"refund": map[string]interface{}{"entity": map[string]interface{}{
				"id": refundID, "payment_id": paymentID, "amount": 500000, "status": "processed",
			}},
		},
	})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// transitionsOf decodes the status changes recorded for a ledger entry.
func transitionsOf(t testingT, store *memory.Store, txnID uuid.UUID) []payment.StatusChangedEvent {
	t.Helper()
	events, err := store.History(context.Background(), txnID)
	require.NoError(t, err)

	var out []payment.StatusChangedEvent
	for _, ev := range events {
		if ev.EventType != payment.EventTransactionChanged {
			continue
		}
		var changed payment.StatusChangedEvent
		require.NoError(t, json.Unmarshal(ev.EventData, &changed))
		out = append(out, changed)
	}
	return out
}
