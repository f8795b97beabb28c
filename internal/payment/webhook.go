// internal/payment/webhook.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"memberhub/internal/membership"
)

// Gateway webhook event names.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundCreated   = "refund.created"
	EventRefundProcessed = "refund.processed"
	EventOrderPaid       = "order.paid"
)

// WebhookEvent is one decoded gateway notification. Each variant carries only
// the entity its event type guarantees.
type WebhookEvent interface {
	EventType() string
}

type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ErrorDescription string `json:"error_description"`
}

type RefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type OrderEntity struct {
	ID      string `json:"id"`
	Amount  int64  `json:"amount"`
	Receipt string `json:"receipt"`
	Status  string `json:"status"`
}

type PaymentCaptured struct{ Payment PaymentEntity }
type PaymentFailed struct{ Payment PaymentEntity }
type RefundIssued struct {
	Event  string
	Refund RefundEntity
}
type OrderPaid struct{ Order OrderEntity }
type UnknownEvent struct{ Event string }

func (PaymentCaptured) EventType() string { return EventPaymentCaptured }
func (PaymentFailed) EventType() string   { return EventPaymentFailed }
func (e RefundIssued) EventType() string  { return e.Event }
func (OrderPaid) EventType() string       { return EventOrderPaid }
func (e UnknownEvent) EventType() string  { return e.Event }

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *entityWrapper `json:"payment"`
		Order   *entityWrapper `json:"order"`
		Refund  *entityWrapper `json:"refund"`
	} `json:"payload"`
}

type entityWrapper struct {
	Entity json.RawMessage `json:"entity"`
}

// ParseWebhook decodes a raw webhook body into its typed variant.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidWebhook)
	}

	switch env.Event {
	case EventPaymentCaptured, EventPaymentFailed:
		var p PaymentEntity
		if err := decodeEntity(env.Payload.Payment, &p); err != nil {
			return nil, err
		}
		if p.OrderID == "" {
			return nil, fmt.Errorf("%w: payment entity has no order_id", ErrInvalidWebhook)
		}
		if env.Event == EventPaymentCaptured {
			return PaymentCaptured{Payment: p}, nil
		}
		return PaymentFailed{Payment: p}, nil
	case EventRefundCreated, EventRefundProcessed:
		var r RefundEntity
		if err := decodeEntity(env.Payload.Refund, &r); err != nil {
			return nil, err
		}
		if r.PaymentID == "" {
			return nil, fmt.Errorf("%w: refund entity has no payment_id", ErrInvalidWebhook)
		}
		return RefundIssued{Event: env.Event, Refund: r}, nil
	case EventOrderPaid:
		var o OrderEntity
		if err := decodeEntity(env.Payload.Order, &o); err != nil {
			return nil, err
		}
		return OrderPaid{Order: o}, nil
	default:
		return UnknownEvent{Event: env.Event}, nil
	}
}

func decodeEntity(w *entityWrapper, dst interface{}) error {
	if w == nil || len(w.Entity) == 0 {
		return fmt.Errorf("%w: missing entity", ErrInvalidWebhook)
	}
	if err := json.Unmarshal(w.Entity, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return nil
}

// HandleWebhook authenticates and applies one gateway notification. Every
// branch is safe to replay and to run in any order relative to verification.
func (s *service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := s.tracer.Start(ctx, "payment.webhook")
	defer span.End()

	if s.opts.WebhookSecret != "" && !VerifyWebhookSignature(s.opts.WebhookSecret, body, signature) {
		return ErrInvalidWebhookSignature
	}

	evt, err := ParseWebhook(body)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("webhook.event", evt.EventType()))
	if s.webhooks != nil {
		s.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("event", evt.EventType())))
	}

	switch e := evt.(type) {
	case PaymentCaptured:
		err = s.onPaymentCaptured(ctx, e)
	case PaymentFailed:
		err = s.onPaymentFailed(ctx, e)
	case RefundIssued:
		err = s.onRefund(ctx, e)
	case OrderPaid:
		s.logger.Info("webhook order paid", zap.String("order_id", e.Order.ID))
	case UnknownEvent:
		s.logger.Info("unhandled webhook event", zap.String("event", e.Event))
	}
	if err != nil {
		span.RecordError(err)
		s.logger.Error("webhook processing failed", zap.String("event", evt.EventType()), zap.Error(err))
	}
	return err
}

func (s *service) onPaymentCaptured(ctx context.Context, e PaymentCaptured) error {
	txn, err := s.store.FindByOrderID(ctx, e.Payment.OrderID)
	if errors.Is(err, ErrTransactionNotFound) {
		s.logger.Info("capture for unknown order", zap.String("order_id", e.Payment.OrderID))
		return nil
	}
	if err != nil {
		return err
	}

	switch txn.Status {
	case StatusCreated, StatusFailed:
	case StatusPaid:
		return nil
	case StatusCancelled:
		s.holdRefund(ctx, txn, e.Payment.ID, "webhook:"+EventPaymentCaptured)
		return nil
	default:
		s.logger.Warn("capture for refunded transaction, manual refund may be required",
			zap.String("order_id", txn.OrderID),
			zap.String("payment_id", e.Payment.ID),
			zap.String("status", string(txn.Status)),
		)
		return nil
	}

	if e.Payment.Amount != txn.Amount {
		s.logger.Warn("captured amount does not match ledger, ignoring capture",
			zap.String("order_id", txn.OrderID),
			zap.Int64("captured", e.Payment.Amount),
			zap.Int64("expected", txn.Amount),
		)
		return nil
	}

	_, err = s.markPaid(ctx, txn, e.Payment.ID, "webhook:"+EventPaymentCaptured)
	if errors.Is(err, ErrTransactionClosed) {
		return nil
	}
	return err
}

func (s *service) onPaymentFailed(ctx context.Context, e PaymentFailed) error {
	txn, err := s.store.FindByOrderID(ctx, e.Payment.OrderID)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if txn.Status != StatusCreated {
		return nil
	}

	reason := e.Payment.ErrorDescription
	if reason == "" {
		reason = ReasonWebhookFailure
	}
	_, err = s.transition(ctx, Transition{
		TransactionID: txn.ID,
		From:          []Status{StatusCreated},
		To:            StatusFailed,
		At:            s.clock.Now(),
		Cause:         "webhook:" + EventPaymentFailed,
		FailureReason: reason,
		Member:        StatusOnly(membership.PaymentFailed),
	})
	if errors.Is(err, ErrTransitionConflict) {
		return nil
	}
	return err
}

func (s *service) onRefund(ctx context.Context, e RefundIssued) error {
	at := s.clock.Now()
	if e.Refund.CreatedAt > 0 {
		at = time.Unix(e.Refund.CreatedAt, 0).UTC()
	}

	// A cancellation may move the entry from paid to cancelled while we
	// apply the refund; re-read so the refund is not dropped.
	for attempt := 0; attempt < 3; attempt++ {
		txn, err := s.store.FindByPaymentID(ctx, e.Refund.PaymentID)
		if errors.Is(err, ErrTransactionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		t := Transition{
			TransactionID: txn.ID,
			From:          []Status{txn.Status},
			To:            StatusRefunded,
			At:            at,
			Cause:         "webhook:" + e.Event,
			RefundID:      e.Refund.ID,
			RefundPending: boolPtr(false),
		}
		switch txn.Status {
		case StatusPaid:
			t.Member = Rollback(txn)
		case StatusCancelled:
			// The member's entitlement was settled when the order was cancelled.
		default:
			return nil
		}

		_, err = s.transition(ctx, t)
		if errors.Is(err, ErrTransitionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.logger.Info("refund applied from webhook",
			zap.String("order_id", txn.OrderID),
			zap.String("refund_id", e.Refund.ID),
			zap.String("previous_status", string(txn.Status)),
		)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("order.id", txn.OrderID))
		return nil
	}
	return ErrTransitionConflict
}
