package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/david/grant-discovery/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpportunityStore is the persistence collaborator of the discovery core.
// It only ever upserts opportunities; nothing here deletes them.
type OpportunityStore interface {
	GetByDedupKeys(ctx context.Context, keys []string) (map[string]models.Opportunity, error)
	Upsert(ctx context.Context, opp models.Opportunity) error
	SaveScores(ctx context.Context, profileKey string, results []models.ScoredResult, scoredAt time.Time) error
	ListStale(ctx context.Context, scoredBefore time.Time, limit int) ([]models.Opportunity, error)

	SaveProfile(ctx context.Context, key string, p models.Profile) error
	GetProfile(ctx context.Context, key string) (models.Profile, bool, error)

	RecordRun(ctx context.Context, run models.DiscoveryRun) error
	ListRuns(ctx context.Context, limit int) ([]models.DiscoveryRun, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Stats are the counts printed by verify_db.
type Stats struct {
	Opportunities int `json:"opportunities"`
	Scored        int `json:"scored"`
	Unscored      int `json:"unscored"`
	Profiles      int `json:"profiles"`
	Runs          int `json:"runs"`
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const selectCols = `dedup_key, source_key, source_name, title, funder_name, url,
	amount_min, amount_max, currency, deadline, description_snippet, contact_info,
	score, score_explanation, score_highlights, score_tier, scored_at, profile_key,
	first_seen_at, last_updated_at`

func scanOpportunity(scan func(dest ...any) error) (models.Opportunity, error) {
	var o models.Opportunity
	var url, currency, snippet, explanation, tier, profileKey *string
	var score *int16
	var contactRaw []byte

	err := scan(
		&o.DedupKey, &o.SourceKey, &o.SourceName, &o.Title, &o.FunderName, &url,
		&o.AmountMin, &o.AmountMax, &currency, &o.Deadline, &snippet, &contactRaw,
		&score, &explanation, &o.ScoreHighlights, &tier, &o.ScoredAt, &profileKey,
		&o.FirstSeenAt, &o.LastUpdatedAt,
	)
	if err != nil {
		return o, err
	}

	o.URL = deref(url)
	o.Currency = deref(currency)
	o.DescriptionSnippet = deref(snippet)
	o.ScoreExplanation = deref(explanation)
	o.ScoreTier = models.ModelTier(deref(tier))
	o.ProfileKey = deref(profileKey)
	if score != nil {
		v := int(*score)
		o.Score = &v
	}
	if len(contactRaw) > 0 {
		var c models.ContactInfo
		if err := json.Unmarshal(contactRaw, &c); err == nil && !c.IsEmpty() {
			o.Contact = &c
		}
	}
	return o, nil
}

func (s *Store) GetByDedupKeys(ctx context.Context, keys []string) (map[string]models.Opportunity, error) {
	out := make(map[string]models.Opportunity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectCols+` FROM opportunities WHERE dedup_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("querying opportunities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning opportunity: %w", err)
		}
		out[o.DedupKey] = o
	}
	return out, rows.Err()
}

// upsertSQL fills nulls only: a populated stored value always wins over the
// incoming one. Contact precedence is settled by the merger before the
// write. Score columns are owned by SaveScores and left alone.
const upsertSQL = `
	INSERT INTO opportunities (
		dedup_key, source_key, source_name, title, funder_name, url,
		amount_min, amount_max, currency, deadline, description_snippet, contact_info,
		profile_key, first_seen_at, last_updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11, $12::jsonb,
		$13, $14, $15
	)
	ON CONFLICT (dedup_key) DO UPDATE SET
		last_updated_at = EXCLUDED.last_updated_at,
		url = COALESCE(NULLIF(opportunities.url, ''), EXCLUDED.url),
		amount_min = COALESCE(opportunities.amount_min, EXCLUDED.amount_min),
		amount_max = COALESCE(opportunities.amount_max, EXCLUDED.amount_max),
		currency = COALESCE(NULLIF(opportunities.currency, ''), EXCLUDED.currency),
		deadline = COALESCE(opportunities.deadline, EXCLUDED.deadline),
		description_snippet = COALESCE(NULLIF(opportunities.description_snippet, ''), EXCLUDED.description_snippet),
		contact_info = COALESCE(EXCLUDED.contact_info, opportunities.contact_info),
		profile_key = COALESCE(NULLIF(opportunities.profile_key, ''), EXCLUDED.profile_key)
`

func (s *Store) Upsert(ctx context.Context, opp models.Opportunity) error {
	var contact any
	if !opp.Contact.IsEmpty() {
		raw, err := json.Marshal(opp.Contact)
		if err != nil {
			return fmt.Errorf("encoding contact: %w", err)
		}
		contact = string(raw)
	}

	_, err := s.pool.Exec(ctx, upsertSQL,
		opp.DedupKey,
		opp.SourceKey,
		opp.SourceName,
		opp.Title,
		opp.FunderName,
		nilIfEmpty(opp.URL),
		opp.AmountMin,
		opp.AmountMax,
		nilIfEmpty(opp.Currency),
		opp.Deadline,
		nilIfEmpty(opp.DescriptionSnippet),
		contact,
		nilIfEmpty(opp.ProfileKey),
		opp.FirstSeenAt,
		opp.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting opportunity %s: %w", opp.DedupKey, err)
	}
	return nil
}

func (s *Store) SaveScores(ctx context.Context, profileKey string, results []models.ScoredResult, scoredAt time.Time) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			UPDATE opportunities SET
				score = $2, score_explanation = $3, score_highlights = $4,
				score_tier = $5, scored_at = $6, profile_key = $7
			WHERE dedup_key = $1`,
			r.DedupKey, r.Score, r.Explanation, r.Highlights, string(r.Tier), scoredAt, profileKey)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("saving scores: %w", err)
		}
	}
	return nil
}

// ListStale returns records never scored or scored before scoredBefore,
// restricted to those that know which profile to score against.
func (s *Store) ListStale(ctx context.Context, scoredBefore time.Time, limit int) ([]models.Opportunity, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectCols+`
		FROM opportunities
		WHERE COALESCE(profile_key, '') <> ''
		  AND (scored_at IS NULL OR scored_at < $1)
		ORDER BY scored_at NULLS FIRST, last_updated_at DESC
		LIMIT $2`, scoredBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale opportunities: %w", err)
	}
	defer rows.Close()

	var out []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning opportunity: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) SaveProfile(ctx context.Context, key string, p models.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles (profile_key, profile, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (profile_key) DO UPDATE SET profile = EXCLUDED.profile, updated_at = NOW()
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, key string) (models.Profile, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT profile FROM profiles WHERE profile_key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, false, nil
	}
	if err != nil {
		return models.Profile{}, false, fmt.Errorf("loading profile: %w", err)
	}
	var p models.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Profile{}, false, fmt.Errorf("decoding profile: %w", err)
	}
	return p, true, nil
}

func (s *Store) RecordRun(ctx context.Context, run models.DiscoveryRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discovery_runs (id, signature, sources_ok, sources_failed, records, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.Signature, nonNil(run.SourcesOK), nonNil(run.SourcesFailed), run.Records, run.StartedAt, run.DurationMS)
	if err != nil {
		return fmt.Errorf("recording discovery run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.DiscoveryRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, signature, sources_ok, sources_failed, records, started_at, duration_ms
		FROM discovery_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying discovery runs: %w", err)
	}
	defer rows.Close()

	var out []models.DiscoveryRun
	for rows.Next() {
		var r models.DiscoveryRun
		if err := rows.Scan(&r.ID, &r.Signature, &r.SourcesOK, &r.SourcesFailed, &r.Records, &r.StartedAt, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning discovery run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM opportunities),
			(SELECT COUNT(*) FROM opportunities WHERE score IS NOT NULL),
			(SELECT COUNT(*) FROM profiles),
			(SELECT COUNT(*) FROM discovery_runs)
	`).Scan(&st.Opportunities, &st.Scored, &st.Profiles, &st.Runs)
	if err != nil {
		return st, fmt.Errorf("counting rows: %w", err)
	}
	st.Unscored = st.Opportunities - st.Scored
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
