// internal/payment/refund_retry.go
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// retryRefund re-issues one pending refund with a short exponential backoff
// and marks the entry refunded on success. It reports false when another path
// settled the entry first.
func (s *service) retryRefund(ctx context.Context, txn *Transaction) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	refund, err := backoff.Retry(ctx, func() (*GatewayRefund, error) {
		return s.gateway.RefundPayment(ctx, txn.PaymentID)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		return false, err
	}

	_, err = s.transition(ctx, Transition{
		TransactionID: txn.ID,
		From:          []Status{StatusCancelled},
		To:            StatusRefunded,
		At:            s.clock.Now(),
		Cause:         "refund-retry",
		RefundID:      refund.ID,
		RefundPending: boolPtr(false),
	})
	if errors.Is(err, ErrTransitionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("pending refund completed",
		zap.String("order_id", txn.OrderID),
		zap.String("refund_id", refund.ID),
	)
	return true, nil
}

// RefundRetrier periodically drives Service.RetryPendingRefunds.
type RefundRetrier struct {
	service  Service
	interval time.Duration
	logger   *zap.Logger
}

func NewRefundRetrier(service Service, interval time.Duration, logger *zap.Logger) *RefundRetrier {
	return &RefundRetrier{service: service, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (r *RefundRetrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("refund retrier started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refund retrier stopped")
			return
		case <-ticker.C:
			n, err := r.service.RetryPendingRefunds(ctx)
			if err != nil {
				r.logger.Error("refund retry pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("refund retry pass completed", zap.Int("refunded", n))
			}
		}
	}
}
