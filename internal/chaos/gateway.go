// internal/chaos/gateway.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"memberhub/internal/payment"
)

// Operation names a gateway call that faults can target.
type Operation string

const (
	OpCreateOrder  Operation = "create_order"
	OpFetchPayment Operation = "fetch_payment"
	OpRefund       Operation = "refund"
)

var ErrInjected = errors.New("chaos: injected gateway failure")

// FaultyGateway wraps a payment gateway and fails or delays calls on demand.
type FaultyGateway struct {
	next payment.Gateway

	mu      sync.Mutex
	faults  map[Operation]error
	latency time.Duration
	calls   map[Operation]int
}

func NewFaultyGateway(next payment.Gateway) *FaultyGateway {
	return &FaultyGateway{
		next:   next,
		faults: make(map[Operation]error),
		calls:  make(map[Operation]int),
	}
}

// Fail makes every call to op return err until healed.
func (g *FaultyGateway) Fail(op Operation, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[op] = err
}

func (g *FaultyGateway) Heal(op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.faults, op)
}

func (g *FaultyGateway) HealAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = make(map[Operation]error)
	g.latency = 0
}

// SetLatency delays every call by d.
func (g *FaultyGateway) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latency = d
}

// Calls reports how many times op was attempted, faulted or not.
func (g *FaultyGateway) Calls(op Operation) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *FaultyGateway) before(ctx context.Context, op Operation) error {
	g.mu.Lock()
	g.calls[op]++
	fault := g.faults[op]
	latency := g.latency
	g.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fault != nil {
		return fmt.Errorf("%s: %w", op, fault)
	}
	return nil
}

func (g *FaultyGateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.GatewayOrder, error) {
	if err := g.before(ctx, OpCreateOrder); err != nil {
		return nil, err
	}
	return g.next.CreateOrder(ctx, req)
}

func (g *FaultyGateway) FetchPayment(ctx context.Context, paymentID string) (*payment.GatewayPayment, error) {
	if err := g.before(ctx, OpFetchPayment); err != nil {
		return nil, err
	}
	return g.next.FetchPayment(ctx, paymentID)
}

func (g *FaultyGateway) RefundPayment(ctx context.Context, paymentID string) (*payment.GatewayRefund, error) {
	if err := g.before(ctx, OpRefund); err != nil {
		return nil, err
	}
	return g.next.RefundPayment(ctx, paymentID)
}

// SimulatedGateway is an in-process stand-in for the payment provider. It
// remembers orders and captures payments against them on request.
type SimulatedGateway struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]payment.GatewayOrder
	payments map[string]payment.GatewayPayment
	refunds  map[string]payment.GatewayRefund
}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		orders:   make(map[string]payment.GatewayOrder),
		payments: make(map[string]payment.GatewayPayment),
		refunds:  make(map[string]payment.GatewayRefund),
	}
}

func (s *SimulatedGateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.GatewayOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	o := payment.GatewayOrder{
		ID:       fmt.Sprintf("order_sim_%d", s.seq),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}
	s.orders[o.ID] = o
	return &o, nil
}

// Capture charges the full order amount and returns the captured payment.
func (s *SimulatedGateway) Capture(orderID string) (*payment.GatewayPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	s.seq++
	p := payment.GatewayPayment{
		ID:       fmt.Sprintf("pay_sim_%d", s.seq),
		OrderID:  orderID,
		Status:   payment.GatewayStatusCaptured,
		Amount:   o.Amount,
		Currency: o.Currency,
	}
	s.payments[p.ID] = p
	return &p, nil
}

func (s *SimulatedGateway) FetchPayment(ctx context.Context, paymentID string) (*payment.GatewayPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", paymentID)
	}
	return &p, nil
}

func (s *SimulatedGateway) RefundPayment(ctx context.Context, paymentID string) (*payment.GatewayRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", paymentID)
	}
	if r, done := s.refunds[paymentID]; done {
		return &r, nil
	}
	s.seq++
	r := payment.GatewayRefund{
		ID:        fmt.Sprintf("rfnd_sim_%d", s.seq),
		PaymentID: paymentID,
		Amount:    p.Amount,
		Status:    "processed",
		CreatedAt: time.Now().Unix(),
	}
	s.refunds[paymentID] = r
	return &r, nil
}

// Refunds reports how many distinct payments were refunded.
func (s *SimulatedGateway) Refunds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refunds)
}
