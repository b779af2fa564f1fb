package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/models"
	"github.com/david/grant-discovery/internal/ratelimit"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type fetchResult struct {
	name    string
	records []models.RawRecord
	err     error
}

func newRunID() string { return uuid.NewString() }

// fanOut queries every named source concurrently. A failing source never
// cancels the others.
func (o *Orchestrator) fanOut(ctx context.Context, names []string, profile models.Profile) []fetchResult {
	results := make([]fetchResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			results[i] = o.fetchSource(gctx, name, profile)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchSource makes at most one call per credential, rotating on auth and
// throttling failures, and waits for quota only when the wait fits in the
// source deadline.
func (o *Orchestrator) fetchSource(ctx context.Context, name string, profile models.Profile) fetchResult {
	src := o.sources[name]
	timeout := src.Config.Timeout()
	if timeout <= 0 {
		timeout = o.cfg.SourceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := models.NormalizedQuery{
		Keywords:      profile.Keywords,
		Geography:     profile.Geography,
		DeadlineAfter: o.now().UTC(),
		MaxResults:    src.Config.MaxItems,
	}
	log := o.log.With("source", name)
	calls := 1 + len(src.Config.LiveCredentials())
	var lastErr error

	for calls > 0 {
		grant, err := o.limiter.Acquire(name)
		if err != nil {
			return fetchResult{name: name, err: err}
		}
		if !grant.Ready() {
			if err := sleepWithin(ctx, grant.Wait); err != nil {
				if lastErr == nil {
					lastErr = &ingest.SourceError{Source: name, Kind: ingest.KindRateLimited, Err: fmt.Errorf("no quota or credential available for %s", grant.Wait.Round(time.Second))}
				}
				log.Warn("source skipped", "outcome", ingest.KindOf(lastErr), "wait_ms", grant.Wait.Milliseconds())
				return fetchResult{name: name, err: lastErr}
			}
			continue
		}
		calls--

		start := time.Now()
		records, err := src.Adapter.Fetch(ctx, query, grant.Credential)
		outcome := ratelimit.OutcomeOf(err)
		_ = o.limiter.Release(name, grant.Credential, outcome)
		log.Info("source call",
			"outcome", outcome,
			"records", len(records),
			"duration_ms", time.Since(start).Milliseconds(),
		)

		switch outcome {
		case ratelimit.OutcomeSuccess:
			return fetchResult{name: name, records: records}
		case ratelimit.OutcomeMalformed:
			log.Warn("malformed response discarded", "error", err)
			return fetchResult{name: name, records: records}
		case ratelimit.OutcomeAuthFailure, ratelimit.OutcomeRateLimited:
			lastErr = err
			if grant.Credential == nil {
				return fetchResult{name: name, err: err}
			}
			log.Warn("rotating credential", "credential", grant.Credential.Masked(), "outcome", outcome)
		default:
			log.Warn("source failed", "error", err)
			return fetchResult{name: name, err: err}
		}
	}
	return fetchResult{name: name, err: lastErr}
}

// sleepWithin waits d unless that would run past ctx's deadline.
func sleepWithin(ctx context.Context, d time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.DeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
