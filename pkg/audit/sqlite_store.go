package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the audit chain in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS decision_audit (
        seq INTEGER PRIMARY KEY,
        id TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        decision_id TEXT NOT NULL,
        intent_key TEXT NOT NULL,
        verdict TEXT NOT NULL,
        reason TEXT NOT NULL,
        details TEXT NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	query := `INSERT INTO decision_audit (
		seq, id, timestamp, decision_id, intent_key, verdict, reason, details, prev_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.Seq, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.DecisionID, e.IntentKey,
		e.Verdict, e.Reason, e.Details, e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, id, timestamp, decision_id, intent_key, verdict, reason, details, prev_hash, hash
        FROM decision_audit
        ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &e.DecisionID, &e.IntentKey, &e.Verdict,
			&e.Reason, &e.Details, &e.PreviousHash, &e.Hash); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("bad audit timestamp at seq %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
