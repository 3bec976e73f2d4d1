package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/leomon/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	windows *WindowStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return Wrap(persistence.NewStore(pool))
}

// Wrap builds the repositories on top of an opened persistence store.
func Wrap(base *persistence.Store) *Store {
	return &Store{Store: base, windows: NewWindowStore(base.Pool())}
}

// Windows returns the fluctuation window repository.
func (s *Store) Windows() *WindowStore {
	return s.windows
}
