// Package dedup collapses raw provider records into one opportunity per
// dedup key and merges them into the store.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/db"
	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/models"
)

// Merger serializes writes per dedup key; different keys merge in parallel.
type Merger struct {
	store db.OpportunityStore
	log   *logging.Logger
	now   func() time.Time
	locks *keyedMutex
}

type Option func(*Merger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Merger) { m.now = now }
}

func New(store db.OpportunityStore, log *logging.Logger, opts ...Option) *Merger {
	m := &Merger{store: store, log: log, now: time.Now, locks: newKeyedMutex()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Normalize turns a raw record into an unsaved opportunity.
func Normalize(raw models.RawRecord) models.Opportunity {
	opp := models.Opportunity{
		DedupKey:           ingest.DedupKey(raw.FunderName, raw.Title),
		SourceKey:          raw.SourceKey,
		SourceName:         raw.SourceName,
		Title:              raw.Title,
		FunderName:         raw.FunderName,
		URL:                raw.URL,
		Currency:           raw.Currency,
		DescriptionSnippet: ingest.SanitizeSnippet(raw.Description),
		Contact:            ingest.ParseContact(raw.ContactText),
	}
	if raw.AmountMin != nil {
		v := *raw.AmountMin
		opp.AmountMin = &v
	}
	if raw.AmountMax != nil {
		v := *raw.AmountMax
		opp.AmountMax = &v
	}
	if raw.Deadline != nil {
		v := raw.Deadline.UTC()
		opp.Deadline = &v
	}
	if opp.AmountMin == nil && opp.AmountMax == nil {
		opp.Currency = ""
	}
	return opp
}

// Merge stores raw records and returns one opportunity per dedup key in
// discovery order. profileKey is recorded on records that have none yet.
func (m *Merger) Merge(ctx context.Context, raws []models.RawRecord, profileKey string) ([]models.Opportunity, error) {
	groups, order := m.collapse(raws)
	if len(order) == 0 {
		return nil, nil
	}

	out := make([]models.Opportunity, 0, len(order))
	for _, key := range order {
		merged, err := m.mergeOne(ctx, groups[key], profileKey)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// collapse groups the batch by dedup key. The record with the most populated
// fields is the base; the others fill its gaps in discovery order.
func (m *Merger) collapse(raws []models.RawRecord) (map[string]models.Opportunity, []string) {
	byKey := make(map[string][]models.Opportunity)
	var order []string
	for _, raw := range raws {
		if raw.Title == "" {
			continue
		}
		opp := Normalize(raw)
		if _, seen := byKey[opp.DedupKey]; !seen {
			order = append(order, opp.DedupKey)
		}
		byKey[opp.DedupKey] = append(byKey[opp.DedupKey], opp)
	}

	out := make(map[string]models.Opportunity, len(order))
	for _, key := range order {
		group := byKey[key]
		base := 0
		for i := 1; i < len(group); i++ {
			if group[i].PopulatedFields() > group[base].PopulatedFields() {
				base = i
			}
		}
		merged := group[base]
		for i, other := range group {
			if i != base {
				merged = m.fill(merged, other)
			}
		}
		out[key] = merged
	}
	return out, order
}

func (m *Merger) mergeOne(ctx context.Context, incoming models.Opportunity, profileKey string) (models.Opportunity, error) {
	unlock := m.locks.Lock(incoming.DedupKey)
	defer unlock()

	existing, err := m.store.GetByDedupKeys(ctx, []string{incoming.DedupKey})
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("loading incumbent %s: %w", incoming.DedupKey, err)
	}

	now := m.now().UTC()
	var merged models.Opportunity
	if cur, ok := existing[incoming.DedupKey]; ok {
		merged = m.fill(cur, incoming)
	} else {
		merged = incoming
		merged.FirstSeenAt = now
		merged.ProfileKey = profileKey
	}
	if merged.ProfileKey == "" {
		merged.ProfileKey = profileKey
	}
	merged.LastUpdatedAt = now

	if err := m.store.Upsert(ctx, merged); err != nil {
		return models.Opportunity{}, err
	}
	return merged, nil
}

// fill copies into base only the fields base lacks. Populated fields that
// disagree keep the base value and are logged. Contact fields are replaced
// only by strictly higher confidence.
func (m *Merger) fill(base, other models.Opportunity) models.Opportunity {
	out := base.Clone()
	key := out.DedupKey

	out.URL = m.fillString(key, "url", out.URL, other.URL)
	out.AmountMin = m.fillFloat(key, "amount_min", out.AmountMin, other.AmountMin)
	out.AmountMax = m.fillFloat(key, "amount_max", out.AmountMax, other.AmountMax)
	out.Currency = m.fillString(key, "currency", out.Currency, other.Currency)
	if out.Deadline == nil {
		if other.Deadline != nil {
			v := *other.Deadline
			out.Deadline = &v
		}
	} else if other.Deadline != nil && !out.Deadline.Equal(*other.Deadline) {
		m.conflict(key, "deadline", out.Deadline.Format(time.RFC3339), other.Deadline.Format(time.RFC3339))
	}
	out.DescriptionSnippet = m.fillString(key, "description_snippet", out.DescriptionSnippet, other.DescriptionSnippet)
	out.Contact = m.mergeContact(key, out.Contact, other.Contact)
	return out
}

func (m *Merger) fillString(key, field, cur, in string) string {
	if cur == "" {
		return in
	}
	if in != "" && in != cur {
		m.conflict(key, field, cur, in)
	}
	return cur
}

func (m *Merger) fillFloat(key, field string, cur, in *float64) *float64 {
	if cur == nil {
		if in == nil {
			return nil
		}
		v := *in
		return &v
	}
	if in != nil && *in != *cur {
		m.conflict(key, field, fmt.Sprint(*cur), fmt.Sprint(*in))
	}
	return cur
}

func (m *Merger) conflict(key, field, kept, discarded string) {
	m.log.Warn("dedup conflict", "dedup_key", key, "field", field, "kept", kept, "discarded", discarded)
}

func (m *Merger) mergeContact(key string, cur, in *models.ContactInfo) *models.ContactInfo {
	if in.IsEmpty() {
		return cur
	}
	if cur.IsEmpty() {
		return in.Clone()
	}
	out := cur.Clone()
	out.Email = m.pickField(key, "contact_email", out.Email, in.Email)
	out.Phone = m.pickField(key, "contact_phone", out.Phone, in.Phone)
	out.Name = m.pickField(key, "contact_name", out.Name, in.Name)
	return out
}

// pickField keeps cur unless in carries strictly higher confidence. Either
// way a differing value is logged.
func (m *Merger) pickField(key, field string, cur, in *models.ContactField) *models.ContactField {
	if in == nil {
		return cur
	}
	if cur == nil {
		v := *in
		return &v
	}
	if in.Confidence.Rank() > cur.Confidence.Rank() {
		if in.Value != cur.Value {
			m.conflict(key, field, in.Value, cur.Value)
		}
		v := *in
		return &v
	}
	if in.Value != cur.Value {
		m.conflict(key, field, cur.Value, in.Value)
	}
	return cur
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
