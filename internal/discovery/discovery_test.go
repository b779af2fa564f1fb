package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
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

type fakeAdapter struct {
	name    string
	records []models.RawRecord
	err     error
	hang    bool
	// errFor fails calls made with the given key.
	errFor map[string]error
	calls  int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, _ models.NormalizedQuery, cred *models.SourceCredential) ([]models.RawRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if cred != nil {
		if err, ok := f.errFor[cred.KeyMaterial]; ok {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeAdapter) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

var idRangeRe = regexp.MustCompile(`id from 1 to (\d+)`)

// fakeEvaluator scores every record 4, or hangs when told to.
type fakeEvaluator struct {
	hang  atomic.Bool
	calls int32
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, _ models.ModelTier, prompt string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.hang.Load() {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	n, _ := strconv.Atoi(idRangeRe.FindStringSubmatch(prompt)[1])
	type item struct {
		ID         int      `json:"id"`
		Score      int      `json:"score"`
		Highlights []string `json:"highlights"`
	}
	var out struct {
		Results []item `json:"results"`
	}
	for i := 1; i <= n; i++ {
		out.Results = append(out.Results, item{ID: i, Score: 4, Highlights: []string{"match"}})
	}
	raw, _ := json.Marshal(out)
	return string(raw), nil
}

func raws(source string, n int) []models.RawRecord {
	out := make([]models.RawRecord, n)
	for i := range out {
		out[i] = models.RawRecord{
			SourceName: source,
			SourceKey:  fmt.Sprintf("%s-%d", source, i),
			Title:      fmt.Sprintf("%s grant %d", source, i),
			FunderName: "Funder " + source,
		}
	}
	return out
}

type harness struct {
	orch  *Orchestrator
	store *db.MemoryStore
	eval  *fakeEvaluator
}

func newHarness(t *testing.T, cfg Config, adapters []*fakeAdapter, configs ...ingest.SourceConfig) *harness {
	t.Helper()
	log := logging.NewNop()
	store := db.NewMemoryStore()
	eval := &fakeEvaluator{}
	var sources []Source
	for i, a := range adapters {
		sc := ingest.SourceConfig{ID: a.name, Name: a.name, Strategy: "fake"}
		if i < len(configs) {
			sc = configs[i]
		}
		sources = append(sources, Source{Adapter: a, Config: sc})
	}
	orch := New(Deps{
		Sources: sources,
		Cache:   cache.NewMemory(),
		Store:   store,
		Merger:  dedup.New(store, log),
		Batcher: scoring.NewBatcher(eval, scoring.Config{Timeout: time.Second}, log),
		Logger:  log,
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, store: store, eval: eval}
}

var profile = models.Profile{Keywords: []string{"youth", "arts"}, Geography: "US"}

func TestDiscoverPartialFailureIsDegraded(t *testing.T) {
	x := &fakeAdapter{name: "X", hang: true}
	y := &fakeAdapter{name: "Y", records: raws("Y", 3)}
	h := newHarness(t, Config{SourceTimeout: 50 * time.Millisecond, Budget: 2 * time.Second}, []*fakeAdapter{x, y})

	res, err := h.orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !res.Degraded || len(res.SourcesFailed) != 1 || res.SourcesFailed[0] != "X" {
		t.Fatalf("expected degraded with X failed, got %+v", res)
	}
	if len(res.Records) != 3 {
		t.Fatalf("expected 3 records from Y, got %d", len(res.Records))
	}
	for _, r := range res.Records {
		if r.SourceName != "Y" {
			t.Fatalf("unexpected record %+v", r)
		}
		if r.Score == nil || *r.Score != 4 {
			t.Fatalf("record should be scored within budget: %+v", r)
		}
	}
	if res.Pending != 0 {
		t.Fatalf("pending = %d", res.Pending)
	}

	runs, _ := h.orch.Runs(context.Background(), 10)
	if len(runs) != 1 || runs[0].Records != 3 || runs[0].ID == "" {
		t.Fatalf("run not recorded: %+v", runs)
	}
}

func TestDiscoverCacheHitSkipsSources(t *testing.T) {
	a := &fakeAdapter{name: "A", records: raws("A", 4)}
	h := newHarness(t, Config{}, []*fakeAdapter{a})

	first, err := h.orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("first Discover: %v", err)
	}
	if first.CacheHit {
		t.Fatalf("first call cannot be a cache hit")
	}
	reordered := models.Profile{Keywords: []string{"Arts", "youth"}, Geography: "us"}
	second, err := h.orch.Discover(context.Background(), Request{Profile: reordered})
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if a.Calls() != 1 {
		t.Fatalf("second call must not reach the adapter, calls = %d", a.Calls())
	}
	if !second.CacheHit || second.Signature != first.Signature {
		t.Fatalf("expected cache hit with the same signature: %+v", second)
	}
	if len(second.Records) != len(first.Records) {
		t.Fatalf("record counts differ: %d vs %d", len(second.Records), len(first.Records))
	}
	for i := range first.Records {
		if first.Records[i].DedupKey != second.Records[i].DedupKey {
			t.Fatalf("record %d differs: %s vs %s", i, first.Records[i].DedupKey, second.Records[i].DedupKey)
		}
	}

	if _, err := h.orch.Discover(context.Background(), Request{Profile: profile, ForceRefresh: true}); err != nil {
		t.Fatalf("forced Discover: %v", err)
	}
	if a.Calls() != 2 {
		t.Fatalf("force refresh must reach the adapter, calls = %d", a.Calls())
	}
}

func TestDiscoverAllFailServesLatest(t *testing.T) {
	a := &fakeAdapter{name: "A", records: raws("A", 2)}
	now := time.Now()
	clock := func() time.Time { return now }
	store := db.NewMemoryStore()
	log := logging.NewNop()
	c := cache.NewMemory(cache.WithClock(clock))
	orch := New(Deps{
		Sources: []Source{{Adapter: a, Config: ingest.SourceConfig{ID: "A"}}},
		Cache:   c,
		Store:   store,
		Merger:  dedup.New(store, log),
		Batcher: scoring.NewBatcher(&fakeEvaluator{}, scoring.Config{}, log),
		Logger:  log,
		Now:     clock,
	}, Config{CacheTTL: time.Hour})
	defer orch.Shutdown(context.Background())

	if _, err := orch.Discover(context.Background(), Request{Profile: profile}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	now = now.Add(2 * time.Hour)
	a.err = &ingest.SourceError{Source: "A", Kind: ingest.KindTransient, Err: errors.New("down")}
	res, err := orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.CacheHit || !res.Degraded || len(res.Records) != 2 {
		t.Fatalf("expected degraded fallback to the stale entry, got %+v", res)
	}
}

func TestDiscoverAllFailNothingCached(t *testing.T) {
	a := &fakeAdapter{name: "A", err: &ingest.SourceError{Source: "A", Kind: ingest.KindNotFound, Err: errors.New("gone")}}
	h := newHarness(t, Config{}, []*fakeAdapter{a})

	res, err := h.orch.Discover(context.Background(), Request{Profile: profile, Sources: []string{"A", "nope"}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !res.Degraded || len(res.Records) != 0 {
		t.Fatalf("expected empty degraded result, got %+v", res)
	}
	if len(res.SourcesFailed) != 2 || res.SourcesFailed[0] != "A" || res.SourcesFailed[1] != "nope" {
		t.Fatalf("sources failed = %v", res.SourcesFailed)
	}
}

type brokenStore struct{ *db.MemoryStore }

func (brokenStore) SaveProfile(context.Context, string, models.Profile) error {
	return errors.New("connection refused")
}

func TestDiscoverStoreUnavailable(t *testing.T) {
	log := logging.NewNop()
	store := brokenStore{db.NewMemoryStore()}
	orch := New(Deps{
		Sources: []Source{{Adapter: &fakeAdapter{name: "A"}}},
		Cache:   cache.NewMemory(),
		Store:   store,
		Merger:  dedup.New(store, log),
		Logger:  log,
	}, Config{})
	_, err := orch.Discover(context.Background(), Request{Profile: profile})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestDiscoverReturnsBeforeScoringFinishes(t *testing.T) {
	a := &fakeAdapter{name: "A", records: raws("A", 3)}
	h := newHarness(t, Config{Budget: 100 * time.Millisecond}, []*fakeAdapter{a})
	h.eval.hang.Store(true)

	start := time.Now()
	res, err := h.orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Discover overran its budget: %s", time.Since(start))
	}
	if len(res.Records) != 3 || res.Pending != 3 {
		t.Fatalf("expected 3 pending records, got %+v", res)
	}
}

func TestFetchRotatesCredentialOnAuthFailure(t *testing.T) {
	a := &fakeAdapter{
		name:    "A",
		records: raws("A", 1),
		errFor:  map[string]error{"bad-key": &ingest.SourceError{Source: "A", Kind: ingest.KindAuthFailure, StatusCode: 401, Err: errors.New("denied")}},
	}
	cfg := ingest.SourceConfig{ID: "A", Credentials: []string{"bad-key", "good-key"}}
	h := newHarness(t, Config{}, []*fakeAdapter{a}, cfg)

	res, err := h.orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.Degraded || len(res.Records) != 1 {
		t.Fatalf("rotation should recover the call: %+v", res)
	}
	if a.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", a.Calls())
	}
	st := h.orch.Status()
	if len(st) != 1 || st[0].LastFailureKind != string(ratelimit.OutcomeAuthFailure) || st[0].LastSuccessAt == nil {
		t.Fatalf("status not updated: %+v", st)
	}
}

func TestConcurrentDiscoversRespectQuota(t *testing.T) {
	a := &fakeAdapter{name: "A", records: raws("A", 1)}
	cfg := ingest.SourceConfig{ID: "A", Quota: ingest.QuotaConfig{Limit: 2, Window: time.Hour}}
	h := newHarness(t, Config{SourceTimeout: 200 * time.Millisecond}, []*fakeAdapter{a}, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.Discover(context.Background(), Request{Profile: profile, ForceRefresh: true})
		}()
	}
	wg.Wait()
	if a.Calls() != 2 {
		t.Fatalf("quota of 2 exceeded: %d calls", a.Calls())
	}
}

func TestMalformedResponseCountsAsEmpty(t *testing.T) {
	a := &fakeAdapter{name: "A", err: &ingest.SourceError{Source: "A", Kind: ingest.KindMalformed, Err: errors.New("bad json")}}
	b := &fakeAdapter{name: "B", records: raws("B", 2)}
	h := newHarness(t, Config{}, []*fakeAdapter{a, b})

	res, err := h.orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.Degraded || len(res.Records) != 2 {
		t.Fatalf("malformed source should not degrade the result: %+v", res)
	}
}

func TestRescoreStale(t *testing.T) {
	a := &fakeAdapter{name: "A", records: raws("A", 3)}
	h := newHarness(t, Config{Budget: 50 * time.Millisecond}, []*fakeAdapter{a})
	h.eval.hang.Store(true)
	if _, err := h.orch.Discover(context.Background(), Request{Profile: profile}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The hung batch and its retry both give up after the batch timeout.
	if err := h.orch.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	h.eval.hang.Store(false)

	n, err := h.orch.RescoreStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("RescoreStale: %v", err)
	}
	if n != 3 {
		t.Fatalf("rescored %d, want 3", n)
	}
	st, _ := h.store.Stats(context.Background())
	if st.Scored != 3 || st.Unscored != 0 {
		t.Fatalf("stats after rescore: %+v", st)
	}
}

func TestCacheHitWaitsForScoringAlreadyInFlight(t *testing.T) {
	a := &fakeAdapter{name: "A", records: raws("A", 3)}
	eval := &fakeEvaluator{gate: make(chan struct{})}
	store := db.NewMemoryStore()
	log := logging.NewNop()
	orch := New(Deps{
		Sources: []Source{{Adapter: a, Config: ingest.SourceConfig{ID: "A"}}},
		Cache:   cache.NewMemory(),
		Store:   store,
		Merger:  dedup.New(store, log),
		Batcher: scoring.NewBatcher(eval, scoring.Config{Timeout: 5 * time.Second}, log),
		Logger:  log,
	}, Config{Budget: 300 * time.Millisecond})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	}()

	first, err := orch.Discover(context.Background(), Request{Profile: profile})
	if err != nil {
		t.Fatalf("first Discover: %v", err)
	}
	if first.Pending != 3 {
		t.Fatalf("first call should return before scoring, pending = %d", first.Pending)
	}

	type outcome struct {
		res models.RankedResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := orch.Discover(context.Background(), Request{Profile: profile})
		ch <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(eval.gate)

	got := <-ch
	if got.err != nil {
		t.Fatalf("second Discover: %v", got.err)
	}
	if !got.res.CacheHit || got.res.Pending != 0 {
		t.Fatalf("cache hit should wait for the running scoring, got pending=%d cache_hit=%v", got.res.Pending, got.res.CacheHit)
	}
	if n := atomic.LoadInt32(&eval.calls); n != 1 {
		t.Fatalf("records were scored twice: %d model calls", n)
	}
}
