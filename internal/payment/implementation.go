// internal/payment/implementation.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"memberhub/internal/clock"
	"memberhub/internal/membership"
)

// Options configures the payment service.
type Options struct {
	KeyID              string
	KeySecret          string
	WebhookSecret      string
	OrderRatePerMinute int
	RefundRetryBatch   int
}

// service implements the Service interface.
type service struct {
	store   Store
	plans   PlanCatalog
	gateway Gateway
	clock   clock.Clock
	logger  *zap.Logger
	opts    Options

	tracer      trace.Tracer
	transitions metric.Int64Counter
	webhooks    metric.Int64Counter

	inflight singleflight.Group

	limiterMu sync.Mutex
	limiters  map[uuid.UUID]*memberLimiter
}

type memberLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// NewService creates a new payment service instance.
func NewService(store Store, plans PlanCatalog, gateway Gateway, clk clock.Clock, logger *zap.Logger, opts Options) Service {
	if opts.OrderRatePerMinute <= 0 {
		opts.OrderRatePerMinute = 5
	}
	if opts.RefundRetryBatch <= 0 {
		opts.RefundRetryBatch = 50
	}

	meter := otel.Meter("memberhub/payment")
	transitions, _ := meter.Int64Counter("payment.ledger.transitions",
		metric.WithDescription("Ledger status transitions applied"))
	webhooks, _ := meter.Int64Counter("payment.webhook.events",
		metric.WithDescription("Gateway webhook events received"))

	return &service{
		store:       store,
		plans:       plans,
		gateway:     gateway,
		clock:       clk,
		logger:      logger,
		opts:        opts,
		tracer:      otel.Tracer("memberhub/payment"),
		transitions: transitions,
		webhooks:    webhooks,
		limiters:    make(map[uuid.UUID]*memberLimiter),
	}
}

// CreateOrder issues a gateway order for a plan and records it in the ledger.
func (s *service) CreateOrder(ctx context.Context, memberID, planID uuid.UUID) (*OrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.create_order", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("plan.id", planID.String()),
	))
	defer span.End()

	if !s.limiter(memberID).Allow() {
		return nil, ErrRateLimited
	}

	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	amount, err := plan.AmountMinor()
	if err != nil {
		return nil, fmt.Errorf("failed to price plan %s: %w", plan.Name, err)
	}

	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}

	now := s.clock.Now()
	receipt := Receipt(memberID, now)

	order, err := s.gateway.CreateOrder(ctx, OrderRequest{
		Amount:   amount,
		Currency: plan.Currency,
		Receipt:  receipt,
		Notes: map[string]string{
			"userId": memberID.String(),
			"planId": planID.String(),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway order failed")
		s.logger.Error("gateway order creation failed",
			zap.String("member_id", memberID.String()),
			zap.String("plan_id", planID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	txn := &Transaction{
		ID:        uuid.New(),
		MemberID:  memberID,
		PlanID:    planID,
		OrderID:   order.ID,
		Receipt:   receipt,
		Amount:    amount,
		Currency:  plan.Currency,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("member_id", memberID.String()),
		zap.String("plan", string(plan.Name)),
		zap.Int64("amount", amount),
	)
	return &OrderResult{OrderID: order.ID, KeyID: s.opts.KeyID}, nil
}

// Receipt builds the gateway receipt id. The gateway caps receipts at 40
// characters.
func Receipt(memberID uuid.UUID, now time.Time) string {
	id := strings.ReplaceAll(memberID.String(), "-", "")
	if len(id) > 12 {
		id = id[len(id)-12:]
	}
	return fmt.Sprintf("rcpt_%s_%d", id, now.UnixMilli())
}

func (s *service) limiter(memberID uuid.UUID) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	l, ok := s.limiters[memberID]
	if !ok {
		n := s.opts.OrderRatePerMinute
		l = &memberLimiter{Limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)}
		s.limiters[memberID] = l
	}
	l.lastSeen = s.clock.Now()
	return l.Limiter
}

// pruneLimiters drops limiters unused for a full minute. Their buckets have
// refilled by then, so a fresh limiter behaves the same.
func (s *service) pruneLimiters(now time.Time) int {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	pruned := 0
	for id, l := range s.limiters {
		if now.Sub(l.lastSeen) >= time.Minute {
			delete(s.limiters, id)
			pruned++
		}
	}
	return pruned
}

// VerifyPayment confirms a client-reported payment with the gateway and
// upgrades the member.
func (s *service) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.verify", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("payment.id", req.PaymentID),
	))
	defer span.End()

	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return nil, fmt.Errorf("%w: orderId, paymentId and signature are required", ErrInvalidRequest)
	}

	if !VerifyPaymentSignature(s.opts.KeySecret, req.OrderID, req.PaymentID, req.Signature) {
		s.logger.Warn("payment signature mismatch", zap.String("order_id", req.OrderID))
		if txn, err := s.store.FindByOrderID(ctx, req.OrderID); err == nil {
			s.fail(ctx, txn, ReasonInvalidSignature, "verify")
		} else if !errors.Is(err, ErrTransactionNotFound) {
			s.logger.Error("failed to load transaction", zap.String("order_id", req.OrderID), zap.Error(err))
		}
		return nil, ErrInvalidSignature
	}

	// Concurrent verifications of the same payment share one gateway fetch
	// and one write. The store's compare-and-set covers other processes.
	v, err, _ := s.inflight.Do(req.OrderID+"|"+req.PaymentID, func() (interface{}, error) {
		return s.verify(context.WithoutCancel(ctx), req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res := *v.(*VerifyResult)
	return &res, nil
}

func (s *service) verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	txn, err := s.store.FindByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	switch txn.Status {
	case StatusPaid:
		return s.alreadyPaid(ctx, txn)
	case StatusCreated, StatusFailed:
		// The gateway is authoritative: a failed entry is paid if this
		// attempt was captured.
	case StatusCancelled:
		if txn.PaymentID == "" {
			s.refundLateCapture(ctx, txn, req.PaymentID, "verify")
		}
		return nil, &ClosedError{Status: txn.Status}
	default:
		return nil, &ClosedError{Status: txn.Status}
	}

	payment, err := s.gateway.FetchPayment(ctx, req.PaymentID)
	if err != nil {
		s.logger.Error("failed to fetch payment from gateway",
			zap.String("order_id", txn.OrderID),
			zap.String("payment_id", req.PaymentID),
			zap.Error(err),
		)
		s.fail(ctx, txn, ReasonVerificationUnreachable, "verify")
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if payment.Status != GatewayStatusCaptured {
		s.fail(ctx, txn, notCapturedReason(payment.Status), "verify")
		return nil, &NotCapturedError{Status: payment.Status}
	}

	if payment.Amount != txn.Amount {
		s.logger.Warn("captured amount does not match ledger",
			zap.String("order_id", txn.OrderID),
			zap.Int64("captured", payment.Amount),
			zap.Int64("expected", txn.Amount),
		)
		s.fail(ctx, txn, ReasonAmountMismatch, "verify")
		return nil, ErrAmountMismatch
	}

	return s.markPaid(ctx, txn, req.PaymentID, "verify")
}

// markPaid moves a created or failed entry to paid and upgrades the member.
// Losing the compare-and-set to another path that already marked it paid is a
// success; losing it to a cancellation queues the capture for refund.
func (s *service) markPaid(ctx context.Context, txn *Transaction, paymentID, cause string) (*VerifyResult, error) {
	plan, err := s.plans.GetPlan(ctx, txn.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	now := s.clock.Now()
	expiry := plan.ExpiryFrom(now)

	_, err = s.transition(ctx, Transition{
		TransactionID: txn.ID,
		From:          []Status{StatusCreated, StatusFailed},
		To:            StatusPaid,
		At:            now,
		Cause:         cause,
		PaymentID:     paymentID,
		Member:        Upgrade(plan.Name, expiry),
	})
	if errors.Is(err, ErrTransitionConflict) {
		current, ferr := s.store.FindByOrderID(ctx, txn.OrderID)
		if ferr != nil {
			return nil, ferr
		}
		switch current.Status {
		case StatusPaid:
			return s.alreadyPaid(ctx, current)
		case StatusCancelled:
			s.holdRefund(ctx, current, paymentID, cause)
		}
		return nil, &ClosedError{Status: current.Status}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("membership upgraded",
		zap.String("order_id", txn.OrderID),
		zap.String("member_id", txn.MemberID.String()),
		zap.String("tier", string(plan.Name)),
		zap.Time("valid_until", expiry),
		zap.String("cause", cause),
	)
	return &VerifyResult{ValidUntil: &expiry}, nil
}

// refundLateCapture checks with the gateway whether paymentID was captured
// against a cancelled entry and, if so, queues it for refund.
func (s *service) refundLateCapture(ctx context.Context, txn *Transaction, paymentID, cause string) {
	p, err := s.gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		s.logger.Warn("could not check payment on cancelled transaction",
			zap.String("order_id", txn.OrderID),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return
	}
	if p.Status != GatewayStatusCaptured || p.OrderID != txn.OrderID {
		return
	}
	s.holdRefund(ctx, txn, paymentID, cause)
}

// holdRefund records a capture that arrived after its entry was cancelled and
// marks the refund pending, so the refund retrier returns the money. The
// member is not upgraded.
func (s *service) holdRefund(ctx context.Context, txn *Transaction, paymentID, cause string) {
	if txn.PaymentID != "" {
		if txn.PaymentID != paymentID {
			s.logger.Warn("second capture on cancelled transaction, manual refund required",
				zap.String("order_id", txn.OrderID),
				zap.String("payment_id", paymentID),
				zap.String("recorded_payment_id", txn.PaymentID),
			)
		}
		return
	}

	_, err := s.transition(ctx, Transition{
		TransactionID: txn.ID,
		From:          []Status{StatusCancelled},
		To:            StatusCancelled,
		Version:       txn.Version,
		At:            s.clock.Now(),
		Cause:         cause,
		PaymentID:     paymentID,
		RefundPending: boolPtr(true),
	})
	if errors.Is(err, ErrTransitionConflict) {
		current, ferr := s.store.FindByOrderID(ctx, txn.OrderID)
		if ferr == nil && current.PaymentID == paymentID {
			return
		}
		err = fmt.Errorf("transaction changed while recording capture: %w", err)
	}
	if err != nil {
		s.logger.Error("failed to queue refund for capture on cancelled transaction, manual refund required",
			zap.String("order_id", txn.OrderID),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("capture on cancelled transaction, refund queued",
		zap.String("order_id", txn.OrderID),
		zap.String("payment_id", paymentID),
		zap.String("cause", cause),
	)
}

func (s *service) alreadyPaid(ctx context.Context, txn *Transaction) (*VerifyResult, error) {
	member, err := s.store.GetMember(ctx, txn.MemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	return &VerifyResult{ValidUntil: member.ExpiresAt, AlreadyProcessed: true}, nil
}

// fail moves a created entry to failed. Errors are logged, not returned: the
// caller is already reporting a more specific failure.
func (s *service) fail(ctx context.Context, txn *Transaction, reason, cause string) {
	_, err := s.transition(ctx, Transition{
		TransactionID: txn.ID,
		From:          []Status{StatusCreated},
		To:            StatusFailed,
		At:            s.clock.Now(),
		Cause:         cause,
		FailureReason: reason,
		Member:        StatusOnly(membership.PaymentFailed),
	})
	switch {
	case errors.Is(err, ErrTransitionConflict):
		s.logger.Debug("transaction left unchanged", zap.String("order_id", txn.OrderID), zap.String("reason", reason))
	case err != nil:
		s.logger.Error("failed to mark transaction failed", zap.String("order_id", txn.OrderID), zap.Error(err))
	default:
		s.logger.Info("transaction failed", zap.String("order_id", txn.OrderID), zap.String("reason", reason), zap.String("cause", cause))
	}
}

// CancelPayment cancels a member's order, refunding it when money was captured.
func (s *service) CancelPayment(ctx context.Context, memberID uuid.UUID, orderID string) (*CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.cancel", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("order.id", orderID),
	))
	defer span.End()

	if orderID == "" {
		return nil, fmt.Errorf("%w: orderId is required", ErrInvalidRequest)
	}

	// A verify or webhook can move the entry between our read and write;
	// re-read and decide again when that happens.
	for attempt := 0; attempt < 3; attempt++ {
		txn, err := s.store.FindByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if txn.MemberID != memberID {
			return nil, ErrTransactionNotFound
		}
		if txn.Status.Terminal() {
			return &CancelResult{Refunded: txn.Status == StatusRefunded}, nil
		}

		res, err := s.cancel(ctx, txn)
		if errors.Is(err, ErrTransitionConflict) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return res, nil
	}
	return nil, ErrTransitionConflict
}

func (s *service) cancel(ctx context.Context, txn *Transaction) (*CancelResult, error) {
	now := s.clock.Now()
	from := []Status{txn.Status}

	if txn.PaymentID == "" || txn.Status == StatusFailed {
		// Nothing was captured, so the member's entitlement never changed.
		_, err := s.transition(ctx, Transition{
			TransactionID: txn.ID,
			From:          from,
			To:            StatusCancelled,
			At:            now,
			Cause:         "cancel",
			Member:        StatusOnly(membership.PaymentCancelled),
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("order cancelled", zap.String("order_id", txn.OrderID))
		return &CancelResult{}, nil
	}

	refund, refundErr := s.gateway.RefundPayment(ctx, txn.PaymentID)
	if refundErr != nil {
		s.logger.Error("refund failed, cancelling with refund pending",
			zap.String("order_id", txn.OrderID),
			zap.String("payment_id", txn.PaymentID),
			zap.Error(refundErr),
		)
		_, err := s.transition(ctx, Transition{
			TransactionID: txn.ID,
			From:          from,
			To:            StatusCancelled,
			At:            now,
			Cause:         "cancel",
			RefundPending: boolPtr(true),
			Member:        Rollback(txn),
		})
		if err != nil {
			return nil, err
		}
		return &CancelResult{}, nil
	}

	_, err := s.transition(ctx, Transition{
		TransactionID: txn.ID,
		From:          from,
		To:            StatusRefunded,
		At:            now,
		Cause:         "cancel",
		RefundID:      refund.ID,
		RefundPending: boolPtr(false),
		Member:        Rollback(txn),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order refunded",
		zap.String("order_id", txn.OrderID),
		zap.String("refund_id", refund.ID),
	)
	return &CancelResult{Refunded: true}, nil
}

// RetryPendingRefunds re-issues refunds that failed during cancellation.
func (s *service) RetryPendingRefunds(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "payment.retry_refunds")
	defer span.End()

	// The retrier's tick doubles as housekeeping for the order rate limiters.
	if n := s.pruneLimiters(s.clock.Now()); n > 0 {
		s.logger.Debug("pruned idle order rate limiters", zap.Int("count", n))
	}

	pending, err := s.store.ListRefundPending(ctx, s.opts.RefundRetryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending refunds: %w", err)
	}

	done := 0
	for i := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		ok, err := s.retryRefund(ctx, &pending[i])
		if err != nil {
			s.logger.Error("refund retry failed",
				zap.String("order_id", pending[i].OrderID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			done++
		}
	}
	span.SetAttributes(attribute.Int("refunds.pending", len(pending)), attribute.Int("refunds.completed", done))
	return done, nil
}

func (s *service) transition(ctx context.Context, t Transition) (*Transaction, error) {
	if !t.Allowed() {
		return nil, fmt.Errorf("%w: %v -> %s", ErrIllegalTransition, t.From, t.To)
	}

	txn, err := s.store.Transition(ctx, t)
	if err != nil {
		return nil, err
	}

	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(t.To)),
			attribute.String("cause", t.Cause),
		))
	}
	trace.SpanFromContext(ctx).AddEvent("ledger.transition", trace.WithAttributes(
		attribute.String("transaction.id", t.TransactionID.String()),
		attribute.String("to", string(t.To)),
		attribute.String("cause", t.Cause),
	))
	return txn, nil
}
