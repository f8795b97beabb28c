// cmd/membership/serve.go
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memberhub/internal/auth"
	"memberhub/internal/clock"
	"memberhub/internal/membership"
	"memberhub/internal/payment"
	"memberhub/internal/server"
	"memberhub/internal/telemetry"
)

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the expiry sweeper and refund retrier",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *envFile)
		},
	}
}

func runServe(ctx context.Context, envFile string) error {
	a, err := newApp(ctx, envFile)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.RequireGateway(); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, "membership", a.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	if err := a.migrate(ctx); err != nil {
		return err
	}

	svc := a.paymentService()
	sweeper := membership.NewExpirySweeper(a.store, clock.NewSystem(), a.logger.Named("expiry"), a.cfg.ExpirySweepHour)
	retrier := payment.NewRefundRetrier(svc, a.cfg.RefundRetryInterval, a.logger.Named("refunds"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		retrier.Run(ctx)
	}()

	deps := server.Deps{
		Payments:    payment.NewHandler(svc, a.logger.Named("http")),
		Members:     membership.NewHandler(a.store, a.logger.Named("http")),
		RequireAuth: auth.NewAuthenticator(a.cfg.JWTSecret).Middleware,
		Logger:      a.logger.Named("http"),
	}
	if a.db != nil {
		deps.DB = a.db
	}

	err = server.Serve(ctx, ":"+a.cfg.Port, server.NewRouter(deps), 15*time.Second, a.logger)
	cancel()
	workers.Wait()
	return err
}
