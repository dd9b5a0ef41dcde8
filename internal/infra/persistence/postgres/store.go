package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories of the bridge.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// DispatchLog returns the dispatch log repository bound to the store's pool.
func (s *Store) DispatchLog() *DispatchLogStore {
	return NewDispatchLogStore(s.Pool())
}

// Registration returns the registration repository bound to the store's pool.
func (s *Store) Registration() *RegistrationStore {
	return NewRegistrationStore(s.Pool())
}
