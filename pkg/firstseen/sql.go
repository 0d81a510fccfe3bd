package firstseen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// sqlStore holds the statement shape shared by the SQL backends. Only the
// placeholder syntax differs between SQLite and Postgres.
type sqlStore struct {
	db     *sql.DB
	insert string
	lookup string
}

func (s *sqlStore) set(ctx context.Context, id string, ts float64) (bool, error) {
	if err := validate(id, ts); err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, s.insert, id, ts); err != nil {
		return false, fmt.Errorf("failed to insert first-seen: %w", err)
	}
	stored, ok, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrVanished, id)
	}
	return Same(stored, ts), nil
}

func (s *sqlStore) get(ctx context.Context, id string) (float64, bool, error) {
	var ts float64
	err := s.db.QueryRowContext(ctx, s.lookup, id).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get first-seen: %w", err)
	}
	return ts, true, nil
}
