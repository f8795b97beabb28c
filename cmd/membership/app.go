// cmd/membership/app.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"memberhub/internal/clients"
	"memberhub/internal/clock"
	"memberhub/internal/config"
	"memberhub/internal/eventstore"
	"memberhub/internal/logging"
	"memberhub/internal/membership"
	"memberhub/internal/payment"
	"memberhub/internal/storage/memory"
	"memberhub/internal/storage/postgres"
	"memberhub/internal/storage/postgres/migrations"
)

// backend is what both storage implementations provide.
type backend interface {
	payment.Store
	membership.PlanSource
	membership.ExpiryStore
	CreateMember(ctx context.Context, m *membership.Member) error
	UpsertPlans(ctx context.Context, plans []membership.Plan) error
	History(ctx context.Context, transactionID uuid.UUID) ([]eventstore.Event, error)
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB
	store  backend
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		a.store = memory.NewStore()
	default:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = postgres.NewStore(db)
	}
	return a, nil
}

// migrate applies schema migrations (Postgres only) and upserts the plans
// from the seed file.
func (a *app) migrate(ctx context.Context) error {
	if a.db != nil {
		applied, err := migrations.Apply(ctx, a.db)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, name := range applied {
			a.logger.Info("applied migration", zap.String("name", name))
		}
	}

	plans, err := membership.LoadPlans(a.cfg.PlansFile)
	if err != nil {
		return err
	}
	if err := a.store.UpsertPlans(ctx, plans); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	a.logger.Info("plans loaded", zap.String("file", a.cfg.PlansFile), zap.Int("count", len(plans)))
	return nil
}

func (a *app) paymentService() payment.Service {
	gateway := clients.NewRazorpayClient(
		a.cfg.Razorpay.APIBase,
		a.cfg.Razorpay.KeyID,
		a.cfg.Razorpay.KeySecret,
		a.cfg.Razorpay.Timeout,
		a.logger.Named("razorpay"),
	)
	catalog := membership.NewCatalog(a.store, 5*time.Minute)

	return payment.NewService(a.store, catalog, gateway, clock.NewSystem(), a.logger.Named("payment"), payment.Options{
		KeyID:              a.cfg.Razorpay.KeyID,
		KeySecret:          a.cfg.Razorpay.KeySecret,
		WebhookSecret:      a.cfg.Razorpay.WebhookSecret,
		OrderRatePerMinute: a.cfg.OrderRatePerMinute,
	})
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
