package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/david/grant-discovery/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps cache entries in the discovery_cache table created by the
// db migrations.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{pool: pool, opts: buildOptions(opts)}
}

const selectEntry = `
	SELECT signature, profile_key, result_ids, created_at, ttl_seconds
	FROM discovery_cache`

func (p *Postgres) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	e, ok, err := p.scan(p.pool.QueryRow(ctx, selectEntry+` WHERE signature = $1`, key))
	if err != nil || !ok {
		return e, ok, err
	}
	if e.Expired(p.opts.now()) {
		return models.CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (p *Postgres) Put(ctx context.Context, sig Signature, resultIDs []string, ttl time.Duration) error {
	e := newEntry(sig, resultIDs, ttl, p.opts.now())
	_, err := p.pool.Exec(ctx, `
		INSERT INTO discovery_cache (signature, profile_key, result_ids, created_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature) DO UPDATE SET
			profile_key = EXCLUDED.profile_key,
			result_ids = EXCLUDED.result_ids,
			created_at = EXCLUDED.created_at,
			ttl_seconds = EXCLUDED.ttl_seconds
	`, e.Signature, e.ProfileKey, e.ResultIDs, e.CreatedAt, int64(ttl/time.Second))
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

func (p *Postgres) Latest(ctx context.Context, profileKey string) (models.CacheEntry, bool, error) {
	return p.scan(p.pool.QueryRow(ctx, selectEntry+`
		WHERE profile_key = $1
		ORDER BY created_at DESC
		LIMIT 1`, profileKey))
}

func (p *Postgres) scan(row pgx.Row) (models.CacheEntry, bool, error) {
	var (
		e   models.CacheEntry
		ttl int64
	)
	err := row.Scan(&e.Signature, &e.ProfileKey, &e.ResultIDs, &e.CreatedAt, &ttl)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	e.TTL = time.Duration(ttl) * time.Second
	return e, true, nil
}
