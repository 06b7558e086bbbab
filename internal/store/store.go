// Package store provides storage backends for cadence.
//
// The job store is the single source of truth across restarts: it owns the
// scheduled deliveries table and the program instances table. SQLite and
// PostgreSQL implementations are provided, plus an in-memory store for tests.
// All cross-process correctness lives here, in the atomic claim and the
// atomic cancel-then-insert enqueue; callers never rely on in-process locks.
package store

// Store is the full persistence surface consumed by the engine and the
// program/ritual state machines.
type Store interface {
	DeliveryRepo
	ProgramRepo

	// Close releases the underlying database resources.
	Close() error
}

// Opts holds configuration applied via Option functions.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for Postgres.
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
