package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/models"
)

const memoryRunLimit = 200

// MemoryStore is an OpportunityStore for tests and single-process runs
// without Postgres. It applies the same fill-null rules as Store.
type MemoryStore struct {
	mu       sync.RWMutex
	opps     map[string]models.Opportunity
	profiles map[string]models.Profile
	runs     []models.DiscoveryRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opps:     make(map[string]models.Opportunity),
		profiles: make(map[string]models.Profile),
	}
}

func (m *MemoryStore) GetByDedupKeys(_ context.Context, keys []string) (map[string]models.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Opportunity, len(keys))
	for _, k := range keys {
		if o, ok := m.opps[k]; ok {
			out[k] = o.Clone()
		}
	}
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, opp models.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.opps[opp.DedupKey]
	if !ok {
		next := opp.Clone()
		next.Score, next.ScoredAt, next.ScoreExplanation, next.ScoreHighlights, next.ScoreTier = nil, nil, "", nil, ""
		m.opps[opp.DedupKey] = next
		return nil
	}

	in := opp.Clone()
	cur.LastUpdatedAt = in.LastUpdatedAt
	if cur.URL == "" {
		cur.URL = in.URL
	}
	if cur.AmountMin == nil {
		cur.AmountMin = in.AmountMin
	}
	if cur.AmountMax == nil {
		cur.AmountMax = in.AmountMax
	}
	if cur.Currency == "" {
		cur.Currency = in.Currency
	}
	if cur.Deadline == nil {
		cur.Deadline = in.Deadline
	}
	if cur.DescriptionSnippet == "" {
		cur.DescriptionSnippet = in.DescriptionSnippet
	}
	if cur.ProfileKey == "" {
		cur.ProfileKey = in.ProfileKey
	}
	if !in.Contact.IsEmpty() {
		cur.Contact = in.Contact
	}
	m.opps[opp.DedupKey] = cur
	return nil
}

func (m *MemoryStore) SaveScores(_ context.Context, profileKey string, results []models.ScoredResult, scoredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		o, ok := m.opps[r.DedupKey]
		if !ok {
			continue
		}
		score := r.Score
		at := scoredAt
		o.Score = &score
		o.ScoreExplanation = r.Explanation
		o.ScoreHighlights = append([]string(nil), r.Highlights...)
		o.ScoreTier = r.Tier
		o.ScoredAt = &at
		o.ProfileKey = profileKey
		m.opps[r.DedupKey] = o
	}
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, scoredBefore time.Time, limit int) ([]models.Opportunity, error) {
	if limit <= 0 {
		limit = 500
	}
	m.mu.RLock()
	var out []models.Opportunity
	for _, o := range m.opps {
		if o.ProfileKey == "" {
			continue
		}
		if o.ScoredAt == nil || o.ScoredAt.Before(scoredBefore) {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ScoredAt == nil) != (b.ScoredAt == nil) {
			return a.ScoredAt == nil
		}
		if a.ScoredAt != nil && !a.ScoredAt.Equal(*b.ScoredAt) {
			return a.ScoredAt.Before(*b.ScoredAt)
		}
		if !a.LastUpdatedAt.Equal(b.LastUpdatedAt) {
			return a.LastUpdatedAt.After(b.LastUpdatedAt)
		}
		return a.DedupKey < b.DedupKey
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, key string, p models.Profile) error {
	m.mu.Lock()
	m.profiles[key] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, key string) (models.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[key]
	return p, ok, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, run models.DiscoveryRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	if len(m.runs) > memoryRunLimit {
		m.runs = m.runs[len(m.runs)-memoryRunLimit:]
	}
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]models.DiscoveryRun, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DiscoveryRun, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Opportunities: len(m.opps), Profiles: len(m.profiles), Runs: len(m.runs)}
	for _, o := range m.opps {
		if o.Score != nil {
			st.Scored++
		}
	}
	st.Unscored = st.Opportunities - st.Scored
	return st, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
