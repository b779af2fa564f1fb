package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/david/grant-discovery/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRetention bounds how long Redis keeps entries after their TTL so
// Latest has something to fall back on.
const DefaultRetention = 7 * 24 * time.Hour

// Redis shares the cache between server replicas.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	opts      options
}

func NewRedis(client redis.UniversalClient, prefix string, opts ...Option) *Redis {
	if prefix == "" {
		prefix = "discovery_cache"
	}
	return &Redis{client: client, prefix: prefix, retention: DefaultRetention, opts: buildOptions(opts)}
}

func (r *Redis) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	e, ok, err := r.load(ctx, r.entryKey(key))
	if err != nil || !ok {
		return models.CacheEntry{}, false, err
	}
	if e.Expired(r.opts.now()) {
		return models.CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (r *Redis) Put(ctx context.Context, sig Signature, resultIDs []string, ttl time.Duration) error {
	payload, err := json.Marshal(newEntry(sig, resultIDs, ttl, r.opts.now()))
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(sig.Key), payload, ttl+r.retention)
	pipe.Set(ctx, r.latestKey(sig.ProfileKey), payload, ttl+r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (r *Redis) Latest(ctx context.Context, profileKey string) (models.CacheEntry, bool, error) {
	return r.load(ctx, r.latestKey(profileKey))
}

func (r *Redis) load(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	var e models.CacheEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return e, true, nil
}

func (r *Redis) entryKey(sig string) string {
	return fmt.Sprintf("%s:entry:%s", r.prefix, sig)
}

func (r *Redis) latestKey(profileKey string) string {
	return fmt.Sprintf("%s:latest:%s", r.prefix, profileKey)
}
