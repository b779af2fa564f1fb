// Package scoring routes scoring work between model tiers and runs it in
// bounded, deadline-limited batches.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrTimeout         = errors.New("scoring: batch deadline exceeded")
	ErrMalformedOutput = errors.New("scoring: malformed model output")
)

const (
	DefaultBatchSize   = 15
	DefaultTimeout     = 6 * time.Second
	DefaultMaxInFlight = 4

	minScore      = 1
	maxScore      = 5
	maxHighlights = 4
)

// Evaluator is a model endpoint that answers a prompt with a JSON object.
type Evaluator interface {
	Evaluate(ctx context.Context, tier models.ModelTier, prompt string) (string, error)
}

// Status is the result of one batch call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusTimeout   Status = "timeout"
	StatusMalformed Status = "malformed"
	StatusFailed    Status = "failed"
)

// BatchResult is what a single ScoreBatch call produced. Results is empty
// unless Status is StatusSuccess.
type BatchResult struct {
	Job     models.ScoringJob
	Status  Status
	Results []models.ScoredResult
	Err     error
}

type Config struct {
	BatchSize   int
	Timeout     time.Duration
	MaxInFlight int
}

// Batcher scores records in batches of at most BatchSize, each bounded by
// Timeout, with at most MaxInFlight batches running across all callers.
type Batcher struct {
	eval Evaluator
	cfg  Config
	sem  *semaphore.Weighted
	log  *logging.Logger
}

func NewBatcher(eval Evaluator, cfg Config, log *logging.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Batcher{
		eval: eval,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		log:  log,
	}
}

func (b *Batcher) BatchSize() int { return b.cfg.BatchSize }

type modelOutput struct {
	Results []struct {
		ID          int      `json:"id"`
		Score       int      `json:"score"`
		Explanation string   `json:"explanation"`
		Highlights  []string `json:"highlights"`
	} `json:"results"`
}

// ScoreBatch makes one model call for records under a hard deadline. The
// batch succeeds or fails as a whole.
func (b *Batcher) ScoreBatch(ctx context.Context, profile models.Profile, records []models.Opportunity, tier models.ModelTier) BatchResult {
	job := models.ScoringJob{
		BatchID:   uuid.NewString(),
		RecordIDs: make([]string, len(records)),
		Tier:      tier,
		Status:    models.JobPending,
		Deadline:  time.Now().Add(b.cfg.Timeout),
	}
	for i, r := range records {
		job.RecordIDs[i] = r.DedupKey
	}

	start := time.Now()
	res := b.run(ctx, job, profile, records)
	if res.Status == StatusSuccess {
		res.Job.Status = models.JobDone
	} else {
		res.Job.Status = models.JobFailed
	}

	b.log.Info("scoring batch",
		"batch_id", job.BatchID,
		"tier", tier,
		"size", len(records),
		"status", res.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if res.Err != nil && res.Status != StatusSuccess {
		b.log.Warn("scoring batch failed", "batch_id", job.BatchID, "error", res.Err)
	}
	return res
}

func (b *Batcher) run(ctx context.Context, job models.ScoringJob, profile models.Profile, records []models.Opportunity) BatchResult {
	res := BatchResult{Job: job}
	if len(records) == 0 {
		res.Status = StatusSuccess
		return res
	}

	callCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	type answer struct {
		text string
		err  error
	}
	done := make(chan answer, 1)
	prompt := BuildPrompt(profile, records, job.Tier)
	res.Job.Status = models.JobInFlight
	go func() {
		text, err := b.eval.Evaluate(callCtx, job.Tier, prompt)
		done <- answer{text: text, err: err}
	}()

	var ans answer
	select {
	case ans = <-done:
	case <-callCtx.Done():
		res.Status = StatusTimeout
		res.Err = ErrTimeout
		if ctx.Err() != nil {
			res.Status = StatusFailed
			res.Err = ctx.Err()
		}
		return res
	}

	if ans.err != nil {
		if errors.Is(ans.err, context.DeadlineExceeded) {
			res.Status, res.Err = StatusTimeout, ErrTimeout
			return res
		}
		res.Status = StatusFailed
		res.Err = fmt.Errorf("evaluating batch: %w", ans.err)
		return res
	}

	results, err := parseOutput(ans.text, records, job.Tier)
	if err != nil {
		res.Status = StatusMalformed
		res.Err = err
		return res
	}
	res.Status = StatusSuccess
	res.Results = results
	return res
}

// parseOutput accepts the answer only if every record got exactly one
// in-range score.
func parseOutput(text string, records []models.Opportunity, tier models.ModelTier) ([]models.ScoredResult, error) {
	var out modelOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	results := make([]models.ScoredResult, len(records))
	seen := make([]bool, len(records))
	for _, r := range out.Results {
		idx := r.ID - 1
		if idx < 0 || idx >= len(records) {
			return nil, fmt.Errorf("%w: unknown id %d", ErrMalformedOutput, r.ID)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrMalformedOutput, r.ID)
		}
		if r.Score < minScore || r.Score > maxScore {
			return nil, fmt.Errorf("%w: score %d out of range for id %d", ErrMalformedOutput, r.Score, r.ID)
		}
		seen[idx] = true
		results[idx] = models.ScoredResult{
			DedupKey:    records[idx].DedupKey,
			Score:       r.Score,
			Explanation: strings.TrimSpace(r.Explanation),
			Highlights:  cleanHighlights(r.Highlights),
			Tier:        tier,
		}
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: missing id %d", ErrMalformedOutput, i+1)
		}
	}
	return results, nil
}

func cleanHighlights(in []string) []string {
	out := make([]string, 0, maxHighlights)
	for _, h := range in {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
		if len(out) == maxHighlights {
			break
		}
	}
	return out
}

// Outcome aggregates a Score call.
type Outcome struct {
	Scored   []models.ScoredResult
	Unscored []string
	Batches  []BatchResult
}

// Score splits records into batches and scores them concurrently. A failed
// batch is retried once with its first half; whatever is still unscored is
// reported in Unscored.
func (b *Batcher) Score(ctx context.Context, profile models.Profile, records []models.Opportunity, tier models.ModelTier) Outcome {
	var (
		mu  sync.Mutex
		out Outcome
	)
	scored := make(map[string]bool, len(records))
	record := func(res BatchResult) {
		mu.Lock()
		defer mu.Unlock()
		out.Batches = append(out.Batches, res)
		for _, r := range res.Results {
			scored[r.DedupKey] = true
			out.Scored = append(out.Scored, r)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(records); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(records))
		chunk := records[start:end]
		g.Go(func() error {
			if err := b.sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer b.sem.Release(1)

			res := b.ScoreBatch(gctx, profile, chunk, tier)
			record(res)
			if res.Status == StatusSuccess || len(chunk) < 2 || gctx.Err() != nil {
				return nil
			}
			retry := chunk[:max(1, len(chunk)/2)]
			record(b.ScoreBatch(gctx, profile, retry, tier))
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range records {
		if !scored[r.DedupKey] {
			out.Unscored = append(out.Unscored, r.DedupKey)
		}
	}
	return out
}
