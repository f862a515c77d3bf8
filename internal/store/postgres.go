package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL as the durable source of
// truth. Scalar keys, lists, sets, and lock leases each live in their own
// table; every Store operation is a single statement, which preserves the
// single-key atomicity contract.
type PostgresStore struct {
	pool    *pgxpool.Pool
	maxWait time.Duration
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, maxWait: 2 * time.Second}
}

// SetLockWait overrides the bounded lock wait.
func (s *PostgresStore) SetLockWait(d time.Duration) { s.maxWait = d }

// Init creates the backing tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		);
		CREATE TABLE IF NOT EXISTS kv_list (
			key   TEXT   NOT NULL,
			seq   BIGINT GENERATED ALWAYS AS IDENTITY,
			value BYTEA  NOT NULL,
			PRIMARY KEY (key, seq)
		);
		CREATE TABLE IF NOT EXISTS kv_set (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		);
		CREATE TABLE IF NOT EXISTS kv_lock (
			key        TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_list (key, value) VALUES ($1, $2)`, key, value)
	if err != nil {
		return fmt.Errorf("postgres: append %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	// Normalize negative indexes against the current length (LRANGE
	// semantics), then page by seq order.
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM kv_list WHERE key = $1`, key).Scan(&n); err != nil {
		return nil, fmt.Errorf("postgres: range count %s: %w", key, err)
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT value FROM kv_list WHERE key = $1
		 ORDER BY seq OFFSET $2 LIMIT $3`,
		key, start, stop-start+1)
	if err != nil {
		return nil, fmt.Errorf("postgres: range %s: %w", key, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Trim(ctx context.Context, key string, keep int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM kv_list
		 WHERE key = $1 AND seq NOT IN (
			SELECT seq FROM kv_list WHERE key = $1
			ORDER BY seq DESC LIMIT $2
		 )`, key, keep)
	if err != nil {
		return fmt.Errorf("postgres: trim %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) AddToSet(ctx context.Context, key, member string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_set (key, member) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, key, member)
	if err != nil {
		return fmt.Errorf("postgres: sadd %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) RemoveFromSet(ctx context.Context, key, member string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM kv_set WHERE key = $1 AND member = $2`, key, member)
	if err != nil {
		return fmt.Errorf("postgres: srem %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Members(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member FROM kv_set WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: smembers %s: %w", key, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Lock acquires a lease row, stealing expired leases, retrying with
// backoff up to maxWait. Unlock deletes the row only when the token still
// matches, mirroring the Redis implementation's conditional release.
func (s *PostgresStore) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(s.maxWait)

	for {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO kv_lock (key, token, expires_at)
			 VALUES ($1, $2, now() + make_interval(secs => $3))
			 ON CONFLICT (key) DO UPDATE
			    SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			  WHERE kv_lock.expires_at < now()`,
			key, token, ttl.Seconds())
		if err != nil {
			return nil, fmt.Errorf("postgres: acquire lock %s: %w", key, err)
		}
		if tag.RowsAffected() == 1 {
			released := false
			return func() {
				if released {
					return
				}
				released = true

				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = s.pool.Exec(unlockCtx,
					`DELETE FROM kv_lock WHERE key = $1 AND token = $2`, key, token)
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
