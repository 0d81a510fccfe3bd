package firstseen

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	sqlStore
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Writes are serialized through a single connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{
		db:     db,
		insert: `INSERT INTO first_seen (intent_id, t0) VALUES (?, ?) ON CONFLICT (intent_id) DO NOTHING`,
		lookup: `SELECT t0 FROM first_seen WHERE intent_id = ?`,
	}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS first_seen (
        intent_id TEXT PRIMARY KEY,
        t0 REAL NOT NULL,
        created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) SetFirstSeen(ctx context.Context, id string, ts float64) (bool, error) {
	return s.set(ctx, id, ts)
}

func (s *SQLiteStore) GetFirstSeen(ctx context.Context, id string) (float64, bool, error) {
	return s.get(ctx, id)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
