package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberhub/internal/membership"
	"memberhub/internal/payment"
	"memberhub/internal/storage/postgres/migrations"
)

// setupTestDB connects using the PG* environment variables, applies the
// migrations and empties the tables. It skips the test when Postgres is not
// reachable.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	env := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	ctx := context.Background()
	db, err := Open(ctx, connStr)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `TRUNCATE events, transactions, membership_plans, members`)
	require.NoError(t, err)
	return db
}

type pgFixture struct {
	store  *Store
	member *membership.Member
	plan   membership.Plan
	txn    *payment.Transaction
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	now := time.Now().UTC().Truncate(time.Microsecond)
	plan := membership.Plan{
		ID: uuid.New(), Name: membership.TierGold, Price: decimal.RequireFromString("5000"),
		Currency: "INR", DurationDays: 30, Benefits: []string{"Priority support"},
	}
	require.NoError(t, store.UpsertPlans(ctx, []membership.Plan{plan}))

	prior := now.AddDate(0, 0, 3)
	m := membership.NewMember("meera@example.com", "Meera", now)
	m.Tier = membership.TierSilver
	m.ExpiresAt = &prior
	require.NoError(t, store.CreateMember(ctx, m))

	txn := &payment.Transaction{
		ID: uuid.New(), MemberID: m.ID, PlanID: plan.ID, OrderID: "order_pg_1", Receipt: "rcpt_test",
		Amount: 500000, Currency: "INR", Status: payment.StatusCreated, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	require.NoError(t, store.CreateTransaction(ctx, txn))
	return &pgFixture{store: store, member: m, plan: plan, txn: txn}
}

func TestPlans(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	got, err := f.store.GetPlan(ctx, f.plan.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.TierGold, got.Name)
	assert.True(t, f.plan.Price.Equal(got.Price))
	assert.Equal(t, []string{"Priority support"}, got.Benefits)

	_, err = f.store.GetPlan(ctx, uuid.New())
	assert.ErrorIs(t, err, membership.ErrPlanNotFound)

	f.plan.Price = decimal.RequireFromString("5500.50")
	require.NoError(t, f.store.UpsertPlans(ctx, []membership.Plan{f.plan}))
	got, err = f.store.GetPlan(ctx, f.plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "5500.5", got.Price.String())
}

func TestCreateTransaction(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	assert.Equal(t, membership.TierSilver, f.txn.PriorTier)
	require.NotNil(t, f.txn.PriorExpiresAt)

	got, err := f.store.FindByOrderID(ctx, "order_pg_1")
	require.NoError(t, err)
	assert.Equal(t, f.txn.ID, got.ID)
	assert.Equal(t, payment.StatusCreated, got.Status)
	assert.Empty(t, got.PaymentID)
	assert.Equal(t, int64(500000), got.Amount)

	m, err := f.store.GetMember(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.PaymentPending, m.PaymentStatus)

	dup := *f.txn
	dup.ID = uuid.New()
	assert.ErrorIs(t, f.store.CreateTransaction(ctx, &dup), payment.ErrDuplicateOrder)

	_, err = f.store.FindByOrderID(ctx, "order_missing")
	assert.ErrorIs(t, err, payment.ErrTransactionNotFound)
}

func TestTransitionAppliesAtomically(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond)
	expiry := at.AddDate(0, 0, 30)

	paid, err := f.store.Transition(ctx, payment.Transition{
		TransactionID: f.txn.ID,
		From:          []payment.Status{payment.StatusCreated},
		To:            payment.StatusPaid,
		At:            at,
		Cause:         "verify",
		PaymentID:     "pay_pg_1",
		Member:        payment.Upgrade(membership.TierGold, expiry),
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, paid.Status)
	assert.Equal(t, "pay_pg_1", paid.PaymentID)
	assert.Equal(t, 2, paid.Version)
	require.NotNil(t, paid.PaidAt)

	byPayment, err := f.store.FindByPaymentID(ctx, "pay_pg_1")
	require.NoError(t, err)
	assert.Equal(t, f.txn.ID, byPayment.ID)

	m, err := f.store.GetMember(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.TierGold, m.Tier)
	assert.True(t, expiry.Equal(*m.ExpiresAt))
	assert.Equal(t, membership.PaymentCompleted, m.PaymentStatus)

	_, err = f.store.Transition(ctx, payment.Transition{
		TransactionID: f.txn.ID,
		From:          []payment.Status{payment.StatusCreated},
		To:            payment.StatusFailed,
		At:            at,
		Member:        payment.StatusOnly(membership.PaymentFailed),
	})
	assert.ErrorIs(t, err, payment.ErrTransitionConflict)

	pending := true
	_, err = f.store.Transition(ctx, payment.Transition{
		TransactionID: f.txn.ID,
		From:          []payment.Status{payment.StatusPaid},
		To:            payment.StatusCancelled,
		At:            at,
		Cause:         "cancel",
		RefundPending: &pending,
		Member:        payment.Rollback(paid),
	})
	require.NoError(t, err)

	m, err = f.store.GetMember(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.TierSilver, m.Tier)
	assert.True(t, f.member.ExpiresAt.Equal(*m.ExpiresAt))

	list, err := f.store.ListRefundPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pay_pg_1", list[0].PaymentID)

	history, err := f.store.History(ctx, f.txn.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, payment.EventTransactionCreated, history[0].EventType)

	var changed payment.StatusChangedEvent
	require.NoError(t, json.Unmarshal(history[2].EventData, &changed))
	assert.Equal(t, payment.StatusPaid, changed.From)
	assert.Equal(t, payment.StatusCancelled, changed.To)
	assert.Equal(t, "cancel", history[2].Metadata["cause"])
}

func TestTransitionVersionGuard(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond)

	cancelled, err := f.store.Transition(ctx, payment.Transition{
		TransactionID: f.txn.ID, From: []payment.Status{payment.StatusCreated}, To: payment.StatusCancelled,
		At: at, Cause: "cancel", Member: payment.StatusOnly(membership.PaymentCancelled),
	})
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelledAt)

	pending := true
	late := payment.Transition{
		TransactionID: f.txn.ID, From: []payment.Status{payment.StatusCancelled}, To: payment.StatusCancelled,
		Version: 1, At: at.Add(time.Hour), Cause: "webhook:payment.captured", PaymentID: "pay_pg_late", RefundPending: &pending,
	}
	_, err = f.store.Transition(ctx, late)
	assert.ErrorIs(t, err, payment.ErrTransitionConflict)

	late.Version = cancelled.Version
	got, err := f.store.Transition(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, got.Status)
	assert.Equal(t, "pay_pg_late", got.PaymentID)
	assert.True(t, got.RefundPending)
	assert.Equal(t, cancelled.Version+1, got.Version)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, cancelled.CancelledAt.Equal(*got.CancelledAt))

	list, err := f.store.ListRefundPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pay_pg_late", list[0].PaymentID)

	m, err := f.store.GetMember(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.TierSilver, m.Tier)
}

// Racing writers expecting the same source state: exactly one wins.
func TestTransitionConcurrentCompareAndSet(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	at := time.Now().UTC()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.Transition(ctx, payment.Transition{
				TransactionID: f.txn.ID,
				From:          []payment.Status{payment.StatusCreated},
				To:            payment.StatusPaid,
				At:            at,
				PaymentID:     "pay_race",
				Member:        payment.Upgrade(membership.TierGold, at.AddDate(0, 0, 30)),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, payment.ErrTransitionConflict)
	}
	assert.Equal(t, 1, wins)

	history, err := f.store.History(ctx, f.txn.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestDowngradeExpired(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	changed, err := f.store.DowngradeExpired(ctx, f.member.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, f.member.ID, changed[0].ID)
	assert.Equal(t, membership.TierBasic, changed[0].Tier)

	changed, err = f.store.DowngradeExpired(ctx, f.member.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := setupTestDB(t)
	applied, err := migrations.Apply(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}
