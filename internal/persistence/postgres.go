package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a PostgreSQL session key-value store. It carries conversation
// memory only; the job queue stays in SQLite.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPG connects to dsn and creates the session_kv table if missing.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_kv (
			session_key TEXT NOT NULL,
			field TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_key, field)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_kv_field ON session_kv(field, session_key)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migration: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, sessionKey, field string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM session_kv WHERE session_key = $1 AND field = $2`,
		sessionKey, field).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s/%s: %w", sessionKey, field, err)
	}
	return value, true, nil
}

func (s *PGStore) Put(ctx context.Context, sessionKey, field string, value []byte) error {
	return s.PutFields(ctx, sessionKey, map[string][]byte{field: value})
}

func (s *PGStore) PutFields(ctx context.Context, sessionKey string, fields map[string][]byte) error {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, f := range names {
			if _, err := tx.Exec(ctx, `
				INSERT INTO session_kv (session_key, field, value, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (session_key, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
				sessionKey, f, fields[f]); err != nil {
				return fmt.Errorf("kv put %s/%s: %w", sessionKey, f, err)
			}
		}
		return nil
	})
}

func (s *PGStore) DeleteAll(ctx context.Context, sessionKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_kv WHERE session_key = $1`, sessionKey); err != nil {
		return fmt.Errorf("kv delete %s: %w", sessionKey, err)
	}
	return nil
}

func (s *PGStore) SessionKeys(ctx context.Context, field string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_key FROM session_kv WHERE field = $1 ORDER BY session_key`, field)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan session keys: %w", err)
	}
	return keys, nil
}
