// internal/storage/postgres/plans.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"memberhub/internal/membership"
)

type planRow struct {
	membership.Plan
	BenefitList pq.StringArray `db:"benefits"`
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*membership.Plan, error) {
	var row planRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, price, currency, duration_days, benefits
		FROM membership_plans
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p := row.Plan
	p.Benefits = []string(row.BenefitList)
	return &p, nil
}

// UpsertPlans writes the seed plans, replacing rows with the same id.
func (s *Store) UpsertPlans(ctx context.Context, plans []membership.Plan) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, p := range plans {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO membership_plans (id, name, price, currency, duration_days, benefits)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name,
				    price = EXCLUDED.price,
				    currency = EXCLUDED.currency,
				    duration_days = EXCLUDED.duration_days,
				    benefits = EXCLUDED.benefits,
				    updated_at = NOW()
			`, p.ID, p.Name, p.Price, p.Currency, p.DurationDays, pq.Array(p.Benefits))
			if err != nil {
				return fmt.Errorf("upsert plan %s: %w", p.Name, err)
			}
		}
		return nil
	})
}
