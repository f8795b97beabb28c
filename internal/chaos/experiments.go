// internal/chaos/experiments.go
package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"memberhub/internal/clock"
	"memberhub/internal/membership"
	"memberhub/internal/payment"
)

const (
	drillKeyID         = "rzp_drill"
	drillKeySecret     = "drill_key_secret"
	drillWebhookSecret = "drill_webhook_secret"
)

// Drill is a payment system wired to a simulated gateway behind a fault
// injector. Experiments drive purchases through it and measure the ledger.
type Drill struct {
	Store     payment.Store
	Service   payment.Service
	Gateway   *FaultyGateway
	Simulated *SimulatedGateway
	PlanID    uuid.UUID
	Members   []uuid.UUID

	mu     sync.Mutex
	orders map[uuid.UUID][]string
}

// NewDrill builds a drill over store. The members must already exist and
// planID must resolve through plans.
func NewDrill(store payment.Store, plans payment.PlanCatalog, planID uuid.UUID, members []uuid.UUID, logger *zap.Logger) *Drill {
	sim := NewSimulatedGateway()
	faulty := NewFaultyGateway(sim)
	svc := payment.NewService(store, plans, faulty, clock.NewSystem(), logger, payment.Options{
		KeyID:              drillKeyID,
		KeySecret:          drillKeySecret,
		WebhookSecret:      drillWebhookSecret,
		OrderRatePerMinute: 1000,
	})
	return &Drill{
		Store:     store,
		Service:   svc,
		Gateway:   faulty,
		Simulated: sim,
		PlanID:    planID,
		Members:   members,
		orders:    make(map[uuid.UUID][]string),
	}
}

// Purchase opens an order for the member and has the simulated gateway
// capture it. Nothing is reported back to the service yet.
func (d *Drill) Purchase(ctx context.Context, memberID uuid.UUID) (orderID, paymentID string, err error) {
	res, err := d.Service.CreateOrder(ctx, memberID, d.PlanID)
	if err != nil {
		return "", "", err
	}
	d.mu.Lock()
	d.orders[memberID] = append(d.orders[memberID], res.OrderID)
	d.mu.Unlock()

	p, err := d.Simulated.Capture(res.OrderID)
	if err != nil {
		return "", "", err
	}
	return res.OrderID, p.ID, nil
}

// Verify reports a completed checkout the way the browser would.
func (d *Drill) Verify(ctx context.Context, orderID, paymentID string) error {
	_, err := d.Service.VerifyPayment(ctx, payment.VerifyRequest{
		OrderID:   orderID,
		PaymentID: paymentID,
		Signature: payment.PaymentSignature(drillKeySecret, orderID, paymentID),
	})
	return err
}

// DeliverCaptured sends a signed payment.captured webhook for the payment.
func (d *Drill) DeliverCaptured(ctx context.Context, paymentID string) error {
	p, err := d.Simulated.FetchPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]interface{}{
		"event": payment.EventPaymentCaptured,
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{"entity": p},
		},
	})
	if err != nil {
		return err
	}
	return d.Service.HandleWebhook(ctx, body, payment.WebhookSignature(drillWebhookSecret, body))
}

func (d *Drill) memberOrders() map[uuid.UUID][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uuid.UUID][]string, len(d.orders))
	for k, v := range d.orders {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// PendingRefunds counts cancelled entries still owed a refund.
func (d *Drill) PendingRefunds(ctx context.Context) (float64, error) {
	pending, err := d.Store.ListRefundPending(ctx, 10000)
	if err != nil {
		return 0, err
	}
	return float64(len(pending)), nil
}

// EntitlementMismatches counts members whose tier disagrees with their
// orders: upgraded without a paid order, or holding a paid order while
// still basic.
func (d *Drill) EntitlementMismatches(ctx context.Context) (float64, error) {
	orders := d.memberOrders()
	mismatches := 0
	for _, id := range d.Members {
		m, err := d.Store.GetMember(ctx, id)
		if err != nil {
			return 0, err
		}
		paid := false
		for _, orderID := range orders[id] {
			txn, err := d.Store.FindByOrderID(ctx, orderID)
			if err != nil {
				return 0, err
			}
			if txn.Status == payment.StatusPaid {
				paid = true
			}
		}
		if paid != (m.Tier != membership.TierBasic) {
			mismatches++
		}
	}
	return float64(mismatches), nil
}

func (d *Drill) countStatus(ctx context.Context, status payment.Status) (float64, error) {
	n := 0
	for _, ids := range d.memberOrders() {
		for _, orderID := range ids {
			txn, err := d.Store.FindByOrderID(ctx, orderID)
			if err != nil {
				return 0, err
			}
			if txn.Status == status {
				n++
			}
		}
	}
	return float64(n), nil
}

func (d *Drill) forEachMember(ctx context.Context, fn func(context.Context, uuid.UUID) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range d.Members {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if err := fn(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("member %s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d members failed, first: %w", len(errs), len(d.Members), errs[0])
	}
	return nil
}

func equals(n float64) func(float64) bool {
	return func(v float64) bool { return v == n }
}

// RefundOutageExperiment cancels paid orders while the gateway rejects every
// refund, then heals the gateway and runs the refund retrier.
func RefundOutageExperiment(d *Drill, observe time.Duration) Experiment {
	members := float64(len(d.Members))
	return Experiment{
		Name:       "refund-outage-during-cancellation",
		Hypothesis: "Cancelling during a refund outage removes entitlement at once and every refund completes after recovery",
		SteadyState: []Metric{
			{Name: "pending_refunds", Query: d.PendingRefunds, Threshold: Threshold{Operator: "<=", Value: 0}},
			{Name: "entitlement_mismatches", Query: d.EntitlementMismatches, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "refunds_issued", Query: func(context.Context) (float64, error) {
				return float64(d.Simulated.Refunds()), nil
			}, Threshold: Threshold{Operator: ">=", Value: 0}},
		},
		Method: []Action{
			{Type: "gateway_failure", Target: "razorpay.refund", Execute: func(context.Context) error {
				d.Gateway.Fail(OpRefund, ErrInjected)
				return nil
			}},
			{Type: "traffic", Target: "payment.cancel", Execute: func(ctx context.Context) error {
				return d.forEachMember(ctx, func(ctx context.Context, id uuid.UUID) error {
					orderID, paymentID, err := d.Purchase(ctx, id)
					if err != nil {
						return err
					}
					if err := d.Verify(ctx, orderID, paymentID); err != nil {
						return err
					}
					res, err := d.Service.CancelPayment(ctx, id, orderID)
					if err != nil {
						return err
					}
					if res.Refunded {
						return fmt.Errorf("order %s refunded during outage", orderID)
					}
					return nil
				})
			}},
		},
		Rollback: []Action{
			{Type: "gateway_recovery", Target: "razorpay", Execute: func(context.Context) error {
				d.Gateway.HealAll()
				return nil
			}},
			{Type: "refund_retry", Target: "payment.retry_refunds", Execute: func(ctx context.Context) error {
				_, err := d.Service.RetryPendingRefunds(ctx)
				return err
			}},
		},
		Validation: []Assertion{
			{Metric: "pending_refunds", Condition: equals(0), Message: "refunds still pending after recovery"},
			{Metric: "entitlement_mismatches", Condition: equals(0), Message: "member entitlement disagrees with the ledger"},
			{Metric: "refunds_issued", Condition: equals(members), Message: "not every cancelled payment was refunded"},
		},
		Duration:    observe,
		SampleEvery: observe / 4,
	}
}

// CaptureRaceExperiment reports every payment through the browser and the
// webhook at the same time, so both paths race to settle the same entry.
func CaptureRaceExperiment(d *Drill, observe time.Duration) Experiment {
	members := float64(len(d.Members))
	return Experiment{
		Name:       "verify-webhook-capture-race",
		Hypothesis: "Concurrent verify and webhook deliveries settle each order exactly once",
		SteadyState: []Metric{
			{Name: "entitlement_mismatches", Query: d.EntitlementMismatches, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "unsettled_orders", Query: func(ctx context.Context) (float64, error) {
				return d.countStatus(ctx, payment.StatusCreated)
			}, Threshold: Threshold{Operator: "<=", Value: 0}},
			{Name: "paid_orders", Query: func(ctx context.Context) (float64, error) {
				return d.countStatus(ctx, payment.StatusPaid)
			}, Threshold: Threshold{Operator: ">=", Value: 0}},
		},
		Method: []Action{
			{Type: "gateway_latency", Target: "razorpay", Execute: func(context.Context) error {
				d.Gateway.SetLatency(5 * time.Millisecond)
				return nil
			}},
			{Type: "traffic", Target: "payment.verify+webhook", Execute: func(ctx context.Context) error {
				return d.forEachMember(ctx, func(ctx context.Context, id uuid.UUID) error {
					orderID, paymentID, err := d.Purchase(ctx, id)
					if err != nil {
						return err
					}
					errc := make(chan error, 2)
					go func() { errc <- d.Verify(ctx, orderID, paymentID) }()
					go func() { errc <- d.DeliverCaptured(ctx, paymentID) }()
					for i := 0; i < 2; i++ {
						if err := <-errc; err != nil {
							return err
						}
					}
					return nil
				})
			}},
		},
		Rollback: []Action{
			{Type: "gateway_recovery", Target: "razorpay", Execute: func(context.Context) error {
				d.Gateway.HealAll()
				return nil
			}},
		},
		Validation: []Assertion{
			{Metric: "unsettled_orders", Condition: equals(0), Message: "orders left in created"},
			{Metric: "paid_orders", Condition: equals(members), Message: "not every captured order was marked paid"},
			{Metric: "entitlement_mismatches", Condition: equals(0), Message: "member entitlement disagrees with the ledger"},
		},
		Duration:    observe,
		SampleEvery: observe / 4,
	}
}

// VerifyOutageExperiment checks out while the gateway cannot be queried. The
// entries fail closed, and the gateway's capture webhooks, delivered once it
// recovers, grant the memberships that were paid for.
func VerifyOutageExperiment(d *Drill, observe time.Duration) Experiment {
	var (
		mu       sync.Mutex
		captured = make(map[string]string) // order id -> payment id
	)
	stranded := func(ctx context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for orderID := range captured {
			txn, err := d.Store.FindByOrderID(ctx, orderID)
			if err != nil {
				return 0, err
			}
			if txn.Status != payment.StatusPaid {
				n++
			}
		}
		return float64(n), nil
	}

	return Experiment{
		Name:       "gateway-outage-during-verify",
		Hypothesis: "Captures that could not be verified are granted once the gateway webhook arrives",
		SteadyState: []Metric{
			{Name: "entitlement_mismatches", Query: d.EntitlementMismatches, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "stranded_captures", Query: stranded, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{
			{Type: "gateway_failure", Target: "razorpay.fetch_payment", Execute: func(context.Context) error {
				d.Gateway.Fail(OpFetchPayment, ErrInjected)
				return nil
			}},
			{Type: "traffic", Target: "payment.verify", Execute: func(ctx context.Context) error {
				return d.forEachMember(ctx, func(ctx context.Context, id uuid.UUID) error {
					orderID, paymentID, err := d.Purchase(ctx, id)
					if err != nil {
						return err
					}
					mu.Lock()
					captured[orderID] = paymentID
					mu.Unlock()
					if err := d.Verify(ctx, orderID, paymentID); err == nil {
						return fmt.Errorf("order %s verified during outage", orderID)
					}
					return nil
				})
			}},
		},
		Rollback: []Action{
			{Type: "gateway_recovery", Target: "razorpay", Execute: func(context.Context) error {
				d.Gateway.HealAll()
				return nil
			}},
			{Type: "webhook_delivery", Target: "payment.webhook", Execute: func(ctx context.Context) error {
				mu.Lock()
				payments := make([]string, 0, len(captured))
				for _, paymentID := range captured {
					payments = append(payments, paymentID)
				}
				mu.Unlock()
				for _, paymentID := range payments {
					if err := d.DeliverCaptured(ctx, paymentID); err != nil {
						return err
					}
				}
				return nil
			}},
		},
		Validation: []Assertion{
			{Metric: "entitlement_mismatches", Condition: equals(0), Message: "member entitlement disagrees with ledger"},
			{Metric: "stranded_captures", Condition: equals(0), Message: "captured payments left unpaid after webhook delivery"},
		},
		Duration:    observe,
		SampleEvery: observe / 4,
	}
}

// Experiments returns the standard drill suite.
func Experiments(d *Drill, observe time.Duration) []Experiment {
	return []Experiment{
		CaptureRaceExperiment(d, observe),
		RefundOutageExperiment(d, observe),
		VerifyOutageExperiment(d, observe),
	}
}
