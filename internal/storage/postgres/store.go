// internal/storage/postgres/store.go
package postgres

import (
	"github.com/jmoiron/sqlx"

	"memberhub/internal/eventstore"
)

// Store is the Postgres implementation of the member, plan and ledger stores.
type Store struct {
	db      *sqlx.DB
	journal *eventstore.EventStore
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, journal: eventstore.New(db)}
}

// Journal exposes the ledger event journal for read-side tooling.
func (s *Store) Journal() *eventstore.EventStore {
	return s.journal
}
