// internal/storage/memory/store.go
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"memberhub/internal/eventstore"
	"memberhub/internal/membership"
	"memberhub/internal/payment"
)

// Store keeps members, plans and the ledger in process memory. It backs
// STORE=memory and the service tests; a single mutex gives every method the
// same atomicity the Postgres store gets from a database transaction.
type Store struct {
	mu           sync.Mutex
	members      map[uuid.UUID]membership.Member
	plans        map[uuid.UUID]membership.Plan
	transactions map[uuid.UUID]payment.Transaction
	byOrder      map[string]uuid.UUID
	byPayment    map[string]uuid.UUID
	journal      map[uuid.UUID][]eventstore.Event
}

func NewStore() *Store {
	return &Store{
		members:      make(map[uuid.UUID]membership.Member),
		plans:        make(map[uuid.UUID]membership.Plan),
		transactions: make(map[uuid.UUID]payment.Transaction),
		byOrder:      make(map[string]uuid.UUID),
		byPayment:    make(map[string]uuid.UUID),
		journal:      make(map[uuid.UUID][]eventstore.Event),
	}
}

// PutMember inserts or replaces a member.
func (s *Store) PutMember(m membership.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
}

// PutPlans inserts or replaces plans by id.
func (s *Store) PutPlans(plans []membership.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range plans {
		s.plans[p.ID] = p
	}
}

// CreateMember mirrors the Postgres store so both backends seed the same way.
func (s *Store) CreateMember(ctx context.Context, m *membership.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.members {
		if existing.Email == m.Email {
			return fmt.Errorf("member %s already exists", m.Email)
		}
	}
	s.members[m.ID] = *m
	return nil
}

func (s *Store) UpsertPlans(ctx context.Context, plans []membership.Plan) error {
	s.PutPlans(plans)
	return nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, membership.ErrMemberNotFound
	}
	return &m, nil
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*membership.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, membership.ErrPlanNotFound
	}
	return &p, nil
}

func (s *Store) CreateTransaction(ctx context.Context, txn *payment.Transaction) error {
	if !txn.Status.Valid() {
		return fmt.Errorf("transaction %s has unknown status %q", txn.ID, txn.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byOrder[txn.OrderID]; dup {
		return payment.ErrDuplicateOrder
	}
	m, ok := s.members[txn.MemberID]
	if !ok {
		return membership.ErrMemberNotFound
	}

	txn.PriorTier = m.Tier
	txn.PriorExpiresAt = copyTime(m.ExpiresAt)

	m.PaymentStatus = membership.PaymentPending
	m.UpdatedAt = txn.CreatedAt
	m.Version++

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

	s.members[m.ID] = m
	s.transactions[txn.ID] = *txn
	s.byOrder[txn.OrderID] = txn.ID
	s.appendEvent(txn.ID, payment.EventTransactionCreated, data, txn.CreatedAt)
	return nil
}

func (s *Store) FindByOrderID(ctx context.Context, orderID string) (*payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, payment.ErrTransactionNotFound
	}
	txn := s.transactions[id]
	return &txn, nil
}

func (s *Store) FindByPaymentID(ctx context.Context, paymentID string) (*payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPayment[paymentID]
	if !ok {
		return nil, payment.ErrTransactionNotFound
	}
	txn := s.transactions[id]
	return &txn, nil
}

func (s *Store) Transition(ctx context.Context, t payment.Transition) (*payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactions[t.TransactionID]
	if !ok {
		return nil, payment.ErrTransactionNotFound
	}
	if !statusIn(current.Status, t.From) {
		return nil, payment.ErrTransitionConflict
	}
	if t.Version != 0 && current.Version != t.Version {
		return nil, payment.ErrTransitionConflict
	}
	if t.PaymentID != "" {
		if owner, taken := s.byPayment[t.PaymentID]; taken && owner != current.ID {
			return nil, fmt.Errorf("payment %s already recorded on another transaction", t.PaymentID)
		}
	}

	data, err := json.Marshal(payment.StatusChangedEvent{
		From:          current.Status,
		To:            t.To,
		Cause:         t.Cause,
		PaymentID:     t.PaymentID,
		RefundID:      t.RefundID,
		FailureReason: t.FailureReason,
		At:            t.At,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	updated := t.Apply(current)
	if t.Member != nil {
		m, ok := s.members[current.MemberID]
		if !ok {
			return nil, membership.ErrMemberNotFound
		}
		if t.Member.SetEntitlement {
			m.Tier = t.Member.Tier
			m.ExpiresAt = copyTime(t.Member.ExpiresAt)
		}
		m.PaymentStatus = t.Member.PaymentStatus
		m.UpdatedAt = t.At
		m.Version++
		s.members[m.ID] = m
	}

	s.transactions[updated.ID] = updated
	if updated.PaymentID != "" {
		s.byPayment[updated.PaymentID] = updated.ID
	}
	s.appendEvent(updated.ID, payment.EventTransactionChanged, data, t.At)

	return &updated, nil
}

func (s *Store) ListRefundPending(ctx context.Context, limit int) ([]payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []payment.Transaction
	for _, txn := range s.transactions {
		if txn.Status == payment.StatusCancelled && txn.RefundPending {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DowngradeExpired(ctx context.Context, now time.Time) ([]membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []membership.Member
	for id, m := range s.members {
		if !m.Expired(now) {
			continue
		}
		m.Tier = membership.TierBasic
		m.PaymentStatus = membership.PaymentFailed
		m.UpdatedAt = now
		m.Version++
		s.members[id] = m
		changed = append(changed, m)
	}
	return changed, nil
}

// History returns the journal for one ledger entry, oldest first.
func (s *Store) History(ctx context.Context, transactionID uuid.UUID) ([]eventstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.journal[transactionID]
	out := make([]eventstore.Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) appendEvent(aggregateID uuid.UUID, eventType string, data []byte, at time.Time) {
	events := s.journal[aggregateID]
	s.journal[aggregateID] = append(events, eventstore.Event{
		ID:            int64(len(events) + 1),
		AggregateID:   aggregateID,
		AggregateType: eventstore.AggregateTransaction,
		EventType:     eventType,
		EventData:     data,
		Version:       len(events) + 1,
		CreatedAt:     at,
	})
}

func statusIn(s payment.Status, set []payment.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
