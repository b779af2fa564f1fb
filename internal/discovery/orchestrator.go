// Package discovery fans a discovery out to every source, merges what comes
// back, schedules scoring and ranks the result.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/cache"
	"github.com/david/grant-discovery/internal/db"
	"github.com/david/grant-discovery/internal/dedup"
	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/models"
	"github.com/david/grant-discovery/internal/ratelimit"
	"github.com/david/grant-discovery/internal/scoring"
)

// ErrStoreUnavailable is the only error Discover surfaces: without the
// opportunity store there is nothing to return.
var ErrStoreUnavailable = errors.New("discovery: opportunity store unavailable")

type Config struct {
	CacheTTL      time.Duration
	Budget        time.Duration
	SourceTimeout time.Duration
	StaleAfter    time.Duration

	PrefilterThreshold int
	PrefilterMinScore  int
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.Budget <= 0 {
		c.Budget = 20 * time.Second
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 8 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 7 * 24 * time.Hour
	}
	if c.PrefilterThreshold <= 0 {
		c.PrefilterThreshold = 45
	}
	if c.PrefilterMinScore <= 0 {
		c.PrefilterMinScore = 2
	}
}

// Source pairs an adapter with its registry entry.
type Source struct {
	Adapter ingest.SourceAdapter
	Config  ingest.SourceConfig
}

type Deps struct {
	Sources []Source
	Limiter *ratelimit.Limiter
	Cache   cache.Cache
	Store   db.OpportunityStore
	Merger  *dedup.Merger
	Router  scoring.Router
	Batcher *scoring.Batcher
	Logger  *logging.Logger
	Now     func() time.Time
}

// Request is one discover call.
type Request struct {
	Profile      models.Profile `json:"profile"`
	Sources      []string       `json:"sources,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	ForceRefresh bool           `json:"force_refresh,omitempty"`
}

type Orchestrator struct {
	sources map[string]Source
	order   []string

	limiter *ratelimit.Limiter
	cache   cache.Cache
	store   db.OpportunityStore
	merger  *dedup.Merger
	router  scoring.Router
	batcher *scoring.Batcher
	log     *logging.Logger
	cfg     Config
	now     func() time.Time

	scoringCtx    context.Context
	cancelScoring context.CancelFunc
	scoringWG     sync.WaitGroup

	claimMu sync.Mutex
	claimed map[string]chan struct{}
}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New()
	}
	o := &Orchestrator{
		sources: make(map[string]Source, len(deps.Sources)),
		limiter: deps.Limiter,
		cache:   deps.Cache,
		store:   deps.Store,
		merger:  deps.Merger,
		router:  deps.Router,
		batcher: deps.Batcher,
		log:     deps.Logger,
		cfg:     cfg,
		now:     deps.Now,
		claimed: make(map[string]chan struct{}),
	}
	for _, s := range deps.Sources {
		name := s.Adapter.Name()
		o.sources[name] = s
		o.order = append(o.order, name)
		o.limiter.Register(name, ratelimit.PolicyFor(s.Config))
	}
	sort.Strings(o.order)
	o.scoringCtx, o.cancelScoring = context.WithCancel(context.Background())
	return o
}

// Discover runs one discovery. Source and scoring failures only degrade the
// result; a store failure is returned as ErrStoreUnavailable.
func (o *Orchestrator) Discover(ctx context.Context, req Request) (models.RankedResult, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	names, unknown := o.selectSources(req.Sources)
	sig := cache.ComputeSignature(req.Profile, names)
	log := o.log.With("signature", sig.Key)

	if err := o.store.SaveProfile(ctx, sig.ProfileKey, req.Profile); err != nil {
		return models.RankedResult{}, storeError(err)
	}

	if !req.ForceRefresh {
		entry, hit, err := o.cache.Get(ctx, sig.Key)
		if err != nil {
			log.Warn("cache lookup failed", "error", err)
		}
		if hit {
			log.Debug("cache hit", "records", len(entry.ResultIDs))
			res, err := o.serve(ctx, budgetCtx, req, sig, entry.ResultIDs)
			res.CacheHit = true
			return res, err
		}
	}

	started := o.now()
	fetched := o.fanOut(budgetCtx, names, req.Profile)
	var (
		raws []models.RawRecord
		ok   []string
	)
	failed := append([]string(nil), unknown...)
	for _, f := range fetched {
		if f.err != nil {
			failed = append(failed, f.name)
			continue
		}
		ok = append(ok, f.name)
		raws = append(raws, f.records...)
	}
	sort.Strings(failed)

	run := models.DiscoveryRun{
		ID:            newRunID(),
		Signature:     sig.Key,
		SourcesOK:     ok,
		SourcesFailed: failed,
		StartedAt:     started.UTC(),
	}

	if len(ok) == 0 {
		o.recordRun(ctx, run, started)
		entry, found, err := o.cache.Latest(ctx, sig.ProfileKey)
		if err != nil {
			log.Warn("cache fallback lookup failed", "error", err)
		}
		if !found {
			log.Warn("all sources failed and nothing cached", "sources_failed", failed)
			return models.RankedResult{Degraded: true, SourcesFailed: nonNil(failed), Signature: sig.Key, Records: []models.Opportunity{}}, nil
		}
		log.Warn("all sources failed, serving last cached result", "sources_failed", failed, "cached_at", entry.CreatedAt)
		res, err := o.serve(ctx, budgetCtx, req, sig, entry.ResultIDs)
		res.Degraded = true
		res.SourcesFailed = nonNil(failed)
		return res, err
	}

	merged, err := o.merger.Merge(ctx, raws, sig.ProfileKey)
	if err != nil {
		return models.RankedResult{}, storeError(err)
	}
	ids := make([]string, len(merged))
	for i, m := range merged {
		ids[i] = m.DedupKey
	}
	if err := o.cache.Put(ctx, sig, ids, o.cfg.CacheTTL); err != nil {
		log.Warn("cache write failed", "error", err)
	}
	run.Records = len(ids)
	o.recordRun(ctx, run, started)

	res, err := o.serve(ctx, budgetCtx, req, sig, ids)
	res.Degraded = len(failed) > 0
	res.SourcesFailed = nonNil(failed)
	return res, err
}

// serve loads ids, starts scoring for records that need it, waits for that
// scoring while the budget lasts and ranks whatever is there.
func (o *Orchestrator) serve(ctx, budgetCtx context.Context, req Request, sig cache.Signature, ids []string) (models.RankedResult, error) {
	recs, err := o.load(ctx, ids)
	if err != nil {
		return models.RankedResult{}, err
	}

	done := o.scheduleScoring(req.Profile, sig.ProfileKey, recs)
	select {
	case <-done:
		if recs, err = o.load(ctx, ids); err != nil {
			return models.RankedResult{}, err
		}
	case <-budgetCtx.Done():
		o.log.Info("returning before scoring finished", "signature", sig.Key)
	}

	ranked := Assemble(recs, sig.ProfileKey, req.Limit)
	pending := 0
	for _, r := range ranked {
		if r.Score == nil {
			pending++
		}
	}
	return models.RankedResult{
		Records:       ranked,
		SourcesFailed: []string{},
		Signature:     sig.Key,
		Pending:       pending,
	}, nil
}

func (o *Orchestrator) load(ctx context.Context, ids []string) ([]models.Opportunity, error) {
	byKey, err := o.store.GetByDedupKeys(ctx, ids)
	if err != nil {
		return nil, storeError(err)
	}
	out := make([]models.Opportunity, 0, len(ids))
	for _, id := range ids {
		if r, ok := byKey[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (o *Orchestrator) selectSources(requested []string) (names, unknown []string) {
	if len(requested) == 0 {
		return append([]string(nil), o.order...), nil
	}
	seen := make(map[string]bool, len(requested))
	for _, n := range requested {
		if seen[n] {
			continue
		}
		seen[n] = true
		if _, ok := o.sources[n]; ok {
			names = append(names, n)
		} else {
			unknown = append(unknown, n)
		}
	}
	sort.Strings(names)
	return names, unknown
}

func (o *Orchestrator) recordRun(ctx context.Context, run models.DiscoveryRun, started time.Time) {
	run.DurationMS = o.now().Sub(started).Milliseconds()
	if err := o.store.RecordRun(ctx, run); err != nil {
		o.log.Warn("recording discovery run failed", "run_id", run.ID, "error", err)
	}
}

// Runs lists recent fan-outs, newest first.
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]models.DiscoveryRun, error) {
	return o.store.ListRuns(ctx, limit)
}

func storeError(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
