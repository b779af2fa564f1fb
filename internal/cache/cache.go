// Package cache stores which dedup keys a discovery produced, keyed by the
// query signature. Lookups never trigger external calls. Entries past their
// TTL read as misses but are left in place, so Latest can still serve them
// when every source is down.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/models"
)

// Cache is implemented by the memory, postgres and redis backends.
type Cache interface {
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, sig Signature, resultIDs []string, ttl time.Duration) error
	// Latest returns the newest entry for the profile tokens regardless of
	// TTL or source set.
	Latest(ctx context.Context, profileKey string) (models.CacheEntry, bool, error)
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newEntry(sig Signature, resultIDs []string, ttl time.Duration, now time.Time) models.CacheEntry {
	return models.CacheEntry{
		Signature:  sig.Key,
		ProfileKey: sig.ProfileKey,
		ResultIDs:  append([]string(nil), resultIDs...),
		CreatedAt:  now.UTC(),
		TTL:        ttl,
	}
}

// Memory is a process-local Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	latest  map[string]string
	opts    options
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		entries: make(map[string]models.CacheEntry),
		latest:  make(map[string]string),
		opts:    buildOptions(opts),
	}
}

func (m *Memory) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.Expired(m.opts.now()) {
		return models.CacheEntry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (m *Memory) Put(_ context.Context, sig Signature, resultIDs []string, ttl time.Duration) error {
	e := newEntry(sig, resultIDs, ttl, m.opts.now())
	m.mu.Lock()
	m.entries[sig.Key] = e
	m.latest[sig.ProfileKey] = sig.Key
	m.mu.Unlock()
	return nil
}

func (m *Memory) Latest(_ context.Context, profileKey string) (models.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.latest[profileKey]
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	e, ok := m.entries[key]
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func cloneEntry(e models.CacheEntry) models.CacheEntry {
	e.ResultIDs = append([]string(nil), e.ResultIDs...)
	return e
}
