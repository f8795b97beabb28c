// internal/storage/postgres/members.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memberhub/internal/membership"
)

const memberColumns = `id, email, name, membership_tier, membership_expires_at, payment_status, version, created_at, updated_at`

// CreateMember inserts a member row. Signup normally owns this; tooling and
// tests use it to seed members.
func (s *Store) CreateMember(ctx context.Context, m *membership.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, email, name, membership_tier, membership_expires_at, payment_status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.Email, m.Name, m.Tier, m.ExpiresAt, m.PaymentStatus, m.Version, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member %s already exists", m.Email)
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var m membership.Member
	err := s.db.GetContext(ctx, &m, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, membership.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return &m, nil
}

func (s *Store) DowngradeExpired(ctx context.Context, now time.Time) ([]membership.Member, error) {
	var members []membership.Member
	err := s.db.SelectContext(ctx, &members, `
		UPDATE members
		SET membership_tier = 'basic',
		    payment_status = 'failed',
		    version = version + 1,
		    updated_at = $1
		WHERE membership_expires_at < $1
		  AND membership_tier <> 'basic'
		RETURNING `+memberColumns, now)
	if err != nil {
		return nil, fmt.Errorf("downgrade expired members: %w", err)
	}
	return members, nil
}
