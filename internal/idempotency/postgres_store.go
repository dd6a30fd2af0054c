package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mint_submissions (
    key         TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL,
    response    BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mint_submissions_expires_at ON mint_submissions (expires_at);
`

const (
	selectLiveSQL = `
SELECT fingerprint, status_code, response, created_at, expires_at
FROM mint_submissions
WHERE key = $1 AND expires_at > $2`

	upsertSQL = `
INSERT INTO mint_submissions (key, fingerprint, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET (fingerprint, status_code, response, created_at, expires_at) =
    (EXCLUDED.fingerprint, EXCLUDED.status_code, EXCLUDED.response, EXCLUDED.created_at, EXCLUDED.expires_at)`

	pruneSQL = `DELETE FROM mint_submissions WHERE expires_at <= $1`
)

// PostgresStore keeps submission records in the mint_submissions table so
// replays survive restarts and are shared between mintd replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create mint_submissions: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Ping backs the database section of the health report.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Get returns the live record for key. Expired rows are invisible here and
// are removed by the next Save.
func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rows, err := p.pool.Query(ctx, selectLiveSQL, key, p.now())
	if err != nil {
		return nil, fmt.Errorf("query submission %q: %w", key, err)
	}
	rec, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.Fingerprint, &r.StatusCode, &r.Response, &r.CreatedAt, &r.ExpiresAt)
		return r, err
	})
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("scan submission %q: %w", key, err)
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	batch := &pgx.Batch{}
	batch.Queue(pruneSQL, p.now())
	batch.Queue(upsertSQL, key, record.Fingerprint, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save submission %q: %w", key, err)
	}
	return nil
}
