package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Get returns the stored value for (sessionKey, field). ok is false when the
// field was never written.
func (s *Store) Get(ctx context.Context, sessionKey, field string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM session_kv WHERE session_key = ? AND field = ?;
	`, sessionKey, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s/%s: %w", sessionKey, field, err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, sessionKey, field string, value []byte) error {
	return s.PutFields(ctx, sessionKey, map[string][]byte{field: value})
}

// PutFields upserts every field in a single transaction.
func (s *Store) PutFields(ctx context.Context, sessionKey string, fields map[string][]byte) error {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin kv put tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, f := range names {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_kv (session_key, field, value, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(session_key, field) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
			`, sessionKey, f, fields[f]); err != nil {
				return fmt.Errorf("kv put %s/%s: %w", sessionKey, f, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit kv put tx: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteAll(ctx context.Context, sessionKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM session_kv WHERE session_key = ?;`, sessionKey); err != nil {
			return fmt.Errorf("kv delete %s: %w", sessionKey, err)
		}
		return nil
	})
}

// SessionKeys lists sessions that have field set, sorted.
func (s *Store) SessionKeys(ctx context.Context, field string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key FROM session_kv WHERE field = ? ORDER BY session_key;
	`, field)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan session key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session keys: %w", err)
	}
	return keys, nil
}
