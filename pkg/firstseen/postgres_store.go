package firstseen

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{
		db:     db,
		insert: "INSERT INTO first_seen (intent_id, t0) VALUES ($1, $2) ON CONFLICT (intent_id) DO NOTHING",
		lookup: "SELECT t0 FROM first_seen WHERE intent_id = $1",
	}}
}

// OpenPostgres connects with the lib/pq driver and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the first_seen table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS first_seen (
			intent_id TEXT PRIMARY KEY,
			t0 DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate first_seen: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetFirstSeen(ctx context.Context, id string, ts float64) (bool, error) {
	return s.set(ctx, id, ts)
}

func (s *PostgresStore) GetFirstSeen(ctx context.Context, id string) (float64, bool, error) {
	return s.get(ctx, id)
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error { return s.db.Close() }
