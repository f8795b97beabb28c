// cmd/membership/drill.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memberhub/internal/chaos"
	"memberhub/internal/config"
	"memberhub/internal/logging"
	"memberhub/internal/membership"
	"memberhub/internal/storage/memory"
)

// drillCmd runs the chaos experiments against an in-process store and a
// simulated gateway. It never touches the configured database or Razorpay.
func drillCmd(envFile *string) *cobra.Command {
	var (
		members int
		tier    string
		observe time.Duration
	)
	cmd := &cobra.Command{
		Use:   "drill",
		Short: "Run payment reconciliation chaos experiments in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if members <= 0 {
				return errors.New("--members must be positive")
			}
			cfg, err := config.Load(*envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			plans, err := membership.LoadPlans(cfg.PlansFile)
			if err != nil {
				return err
			}
			var plan *membership.Plan
			for i := range plans {
				if string(plans[i].Name) == tier {
					plan = &plans[i]
				}
			}
			if plan == nil {
				return fmt.Errorf("no %q plan in %s", tier, cfg.PlansFile)
			}

			store := memory.NewStore()
			store.PutPlans(plans)
			ids := make([]uuid.UUID, 0, members)
			now := time.Now().UTC()
			for i := 0; i < members; i++ {
				m := membership.NewMember(fmt.Sprintf("drill-%d@example.com", i), fmt.Sprintf("Drill %d", i), now)
				if err := store.CreateMember(cmd.Context(), m); err != nil {
					return err
				}
				ids = append(ids, m.ID)
			}

			drill := chaos.NewDrill(store, store, plan.ID, ids, logger.Named("payment"))
			engine := chaos.NewEngine(logger.Named("chaos"))

			failed := 0
			for _, exp := range chaos.Experiments(drill, observe) {
				logger.Info("running experiment", zap.String("name", exp.Name), zap.String("hypothesis", exp.Hypothesis))
				res, err := engine.Run(cmd.Context(), exp)
				if err != nil {
					return fmt.Errorf("%s: %w", exp.Name, err)
				}
				if !res.HypothesisHeld {
					failed++
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(engine.Results()); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d experiments disproved their hypothesis", failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&members, "members", 10, "members taking part in each experiment")
	cmd.Flags().StringVar(&tier, "tier", string(membership.TierGold), "plan the members buy")
	cmd.Flags().DurationVar(&observe, "observe", 2*time.Second, "how long to sample metrics while faults are active")
	return cmd
}
