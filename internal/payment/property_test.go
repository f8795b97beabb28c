package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"memberhub/internal/membership"
	"memberhub/internal/payment"
)

// Any sequence of client calls and gateway notifications for one order keeps
// the ledger, the member and the journal consistent with each other.
func TestLedgerMemberConsistencyProperty(t *testing.T) {
	actions := []string{
		"verify", "verify-bad-signature", "webhook-captured", "webhook-failed",
		"webhook-refund", "cancel", "cancel-refund-fails", "retry-refunds", "advance-clock",
	}

	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt)
		ctx := context.Background()
		orderID := f.order(rt)
		f.gateway.capture("pay_1", orderID, 500000)

		steps := rapid.SliceOfN(rapid.SampledFrom(actions), 1, 12).Draw(rt, "steps")
		for _, step := range steps {
			switch step {
			case "verify":
				_, _ = f.service.VerifyPayment(ctx, f.verifyRequest(orderID, "pay_1"))
			case "verify-bad-signature":
				_, _ = f.service.VerifyPayment(ctx, payment.VerifyRequest{OrderID: orderID, PaymentID: "pay_1", Signature: "00"})
			case "webhook-captured":
				require.NoError(rt, f.webhook(ctx, capturedWebhook(orderID, "pay_1", 500000)))
			case "webhook-failed":
				require.NoError(rt, f.webhook(ctx, failedWebhook(orderID, "pay_1", "")))
			case "webhook-refund":
				require.NoError(rt, f.webhook(ctx, refundWebhook(payment.EventRefundProcessed, "rfnd_hook", "pay_1")))
			case "cancel":
				_, err := f.service.CancelPayment(ctx, f.member.ID, orderID)
				require.NoError(rt, err)
			case "cancel-refund-fails":
				f.gateway.setRefundErr(errGatewayDown)
				_, err := f.service.CancelPayment(ctx, f.member.ID, orderID)
				f.gateway.setRefundErr(nil)
				require.NoError(rt, err)
			case "retry-refunds":
				_, err := f.service.RetryPendingRefunds(ctx)
				require.NoError(rt, err)
			case "advance-clock":
				f.clock.Advance(time.Duration(rapid.IntRange(1, 72).Draw(rt, "hours")) * time.Hour)
			}

			txn := f.txn(rt, orderID)
			m := f.currentMember(rt)

			if (m.Tier == membership.TierGold) != (txn.Status == payment.StatusPaid) {
				rt.Fatalf("member tier %s with ledger status %s", m.Tier, txn.Status)
			}
			if txn.RefundPending && txn.Status != payment.StatusCancelled {
				rt.Fatalf("refund pending on %s entry", txn.Status)
			}
			if txn.Status == payment.StatusCancelled && txn.PaymentID != "" && !txn.RefundPending {
				rt.Fatalf("captured payment %s on cancelled entry is not queued for refund", txn.PaymentID)
			}
			// Once the gateway has reported the capture, the money is either
			// granted or on its way back.
			if step == "verify" || step == "webhook-captured" {
				switch {
				case txn.Status == payment.StatusPaid, txn.Status == payment.StatusRefunded:
				case txn.Status == payment.StatusCancelled && txn.PaymentID == "pay_1":
				default:
					rt.Fatalf("capture stranded on %s entry with payment %q", txn.Status, txn.PaymentID)
				}
			}

			changes := transitionsOf(rt, f.store, txn.ID)
			if len(changes)+1 != txn.Version {
				rt.Fatalf("journal has %d changes for version %d", len(changes), txn.Version)
			}
			paid := 0
			for _, c := range changes {
				if !payment.CanTransition(c.From, c.To) {
					rt.Fatalf("journal records illegal move %s -> %s", c.From, c.To)
				}
				if c.To == payment.StatusPaid {
					paid++
				}
			}
			if paid > 1 {
				rt.Fatalf("entry marked paid %d times", paid)
			}
		}
	})
}
