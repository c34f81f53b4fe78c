package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store on a lease table:
//
//	CREATE TABLE squeeze_locks (
//	    lock_key   TEXT PRIMARY KEY,
//	    token      TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
//
// A row is taken over only once its expires_at has passed.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a lease store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Acquire inserts the lease or steals an expired one in a single statement.
func (s *PostgresStore) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO squeeze_locks (lock_key, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_key) DO UPDATE
		   SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE squeeze_locks.expires_at < $4
	`, key, token, now.Add(ttl), now)
	if err != nil {
		return "", false, fmt.Errorf("acquire pg lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire pg lease %s: %w", key, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lease if token still owns it.
func (s *PostgresStore) Release(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM squeeze_locks WHERE lock_key = $1 AND token = $2`, key, token)
	if err != nil {
		return fmt.Errorf("release pg lease %s: %w", key, err)
	}
	return nil
}

// Extend moves expires_at forward while token still owns an unexpired row.
func (s *PostgresStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE squeeze_locks SET expires_at = $3
		 WHERE lock_key = $1 AND token = $2 AND expires_at >= $4
	`, key, token, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("extend pg lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend pg lease %s: %w", key, err)
	}
	return n == 1, nil
}
