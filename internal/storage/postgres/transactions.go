// internal/storage/postgres/transactions.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"memberhub/internal/eventstore"
	"memberhub/internal/membership"
	"memberhub/internal/payment"
)

const transactionColumns = `
	id, member_id, plan_id, order_id,
	COALESCE(payment_id, '') AS payment_id,
	receipt, amount, currency, status,
	COALESCE(failure_reason, '') AS failure_reason,
	prior_tier, prior_expires_at,
	COALESCE(refund_id, '') AS refund_id,
	refund_pending, created_at, updated_at,
	paid_at, failed_at, cancelled_at, refunded_at, version`

func (s *Store) CreateTransaction(ctx context.Context, txn *payment.Transaction) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var prior struct {
			Tier      membership.Tier `db:"membership_tier"`
			ExpiresAt *time.Time      `db:"membership_expires_at"`
		}
		err := tx.GetContext(ctx, &prior, `
			SELECT membership_tier, membership_expires_at
			FROM members
			WHERE id = $1
			FOR UPDATE
		`, txn.MemberID)
		if errors.Is(err, sql.ErrNoRows) {
			return membership.ErrMemberNotFound
		}
		if err != nil {
			return fmt.Errorf("lock member: %w", err)
		}
		txn.PriorTier = prior.Tier
		txn.PriorExpiresAt = prior.ExpiresAt

		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, member_id, plan_id, order_id, receipt, amount, currency, status,
				prior_tier, prior_expires_at, created_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, txn.ID, txn.MemberID, txn.PlanID, txn.OrderID, txn.Receipt, txn.Amount, txn.Currency,
			txn.Status, txn.PriorTier, txn.PriorExpiresAt, txn.CreatedAt, txn.UpdatedAt, txn.Version)
		if err != nil {
			if isUniqueViolation(err) {
				return payment.ErrDuplicateOrder
			}
			return fmt.Errorf("insert transaction: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE members
			SET payment_status = $2, version = version + 1, updated_at = $3
			WHERE id = $1
		`, txn.MemberID, membership.PaymentPending, txn.CreatedAt)
		if err != nil {
			return fmt.Errorf("mark member pending: %w", err)
		}

		data, err := json.Marshal(payment.CreatedEvent{
			MemberID:       txn.MemberID,
			PlanID:         txn.PlanID,
			OrderID:        txn.OrderID,
			Amount:         txn.Amount,
			Currency:       txn.Currency,
			PriorTier:      txn.PriorTier,
			PriorExpiresAt: txn.PriorExpiresAt,
		})
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		return s.journal.Append(ctx, tx, txn.ID, eventstore.AggregateTransaction, 0, []eventstore.Event{{
			EventType: payment.EventTransactionCreated,
			EventData: data,
			Metadata:  map[string]interface{}{"cause": "create-order"},
			CreatedAt: txn.CreatedAt,
		}})
	})
}

func (s *Store) FindByOrderID(ctx context.Context, orderID string) (*payment.Transaction, error) {
	return s.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE order_id = $1`, orderID)
}

func (s *Store) FindByPaymentID(ctx context.Context, paymentID string) (*payment.Transaction, error) {
	return s.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_id = $1`, paymentID)
}

func (s *Store) findOne(ctx context.Context, query string, arg interface{}) (*payment.Transaction, error) {
	var txn payment.Transaction
	err := s.db.GetContext(ctx, &txn, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if !txn.Status.Valid() {
		return nil, fmt.Errorf("transaction %s has unknown status %q", txn.ID, txn.Status)
	}
	return &txn, nil
}

// Transition performs the status compare-and-set, the member projection and
// the journal append in one database transaction.
func (s *Store) Transition(ctx context.Context, t payment.Transition) (*payment.Transaction, error) {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}

	var updated payment.Transaction
	var previous payment.Status
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &previous, `
			SELECT status FROM transactions WHERE id = $1 FOR UPDATE
		`, t.TransactionID)
		if errors.Is(err, sql.ErrNoRows) {
			return payment.ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}

		err = tx.GetContext(ctx, &updated, `
			UPDATE transactions
			SET status = $2::text,
			    updated_at = $3::timestamptz,
			    version = version + 1,
			    payment_id = COALESCE(NULLIF($4::text, ''), payment_id),
			    refund_id = COALESCE(NULLIF($5::text, ''), refund_id),
			    failure_reason = COALESCE(NULLIF($6::text, ''), failure_reason),
			    refund_pending = COALESCE($7::boolean, refund_pending),
			    paid_at = CASE WHEN $2::text = 'paid' AND status <> $2::text THEN $3::timestamptz ELSE paid_at END,
			    failed_at = CASE WHEN $2::text = 'failed' AND status <> $2::text THEN $3::timestamptz ELSE failed_at END,
			    cancelled_at = CASE WHEN $2::text = 'cancelled' AND status <> $2::text THEN $3::timestamptz ELSE cancelled_at END,
			    refunded_at = CASE WHEN $2::text = 'refunded' AND status <> $2::text THEN $3::timestamptz ELSE refunded_at END
			WHERE id = $1 AND status = ANY($8::text[]) AND ($9::int = 0 OR version = $9::int)
			RETURNING `+transactionColumns,
			t.TransactionID, string(t.To), t.At, t.PaymentID, t.RefundID, t.FailureReason,
			nullableBool(t.RefundPending), pq.Array(from), t.Version)
		if errors.Is(err, sql.ErrNoRows) {
			return payment.ErrTransitionConflict
		}
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("payment %s already recorded (%s): %w", t.PaymentID, constraintName(err), err)
			}
			return fmt.Errorf("update transaction: %w", err)
		}

		if t.Member != nil {
			if err := projectMember(ctx, tx, updated.MemberID, t.Member, t.At); err != nil {
				return err
			}
		}

		data, err := json.Marshal(payment.StatusChangedEvent{
			From:          previous,
			To:            t.To,
			Cause:         t.Cause,
			PaymentID:     t.PaymentID,
			RefundID:      t.RefundID,
			FailureReason: t.FailureReason,
			At:            t.At,
		})
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		return s.journal.Append(ctx, tx, updated.ID, eventstore.AggregateTransaction, updated.Version-1, []eventstore.Event{{
			EventType: payment.EventTransactionChanged,
			EventData: data,
			Metadata:  map[string]interface{}{"cause": t.Cause},
			CreatedAt: t.At,
		}})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func projectMember(ctx context.Context, tx *sqlx.Tx, memberID uuid.UUID, p *payment.MemberProjection, at time.Time) error {
	var res sql.Result
	var err error
	if p.SetEntitlement {
		res, err = tx.ExecContext(ctx, `
			UPDATE members
			SET membership_tier = $2, membership_expires_at = $3, payment_status = $4,
			    version = version + 1, updated_at = $5
			WHERE id = $1
		`, memberID, p.Tier, p.ExpiresAt, p.PaymentStatus, at)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE members
			SET payment_status = $2, version = version + 1, updated_at = $3
			WHERE id = $1
		`, memberID, p.PaymentStatus, at)
	}
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return membership.ErrMemberNotFound
	}
	return nil
}

func (s *Store) ListRefundPending(ctx context.Context, limit int) ([]payment.Transaction, error) {
	var txns []payment.Transaction
	err := s.db.SelectContext(ctx, &txns, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'cancelled' AND refund_pending
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending refunds: %w", err)
	}
	return txns, nil
}

// History returns the journal for one ledger entry, oldest first.
func (s *Store) History(ctx context.Context, transactionID uuid.UUID) ([]eventstore.Event, error) {
	return s.journal.Load(ctx, transactionID, 0)
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}
