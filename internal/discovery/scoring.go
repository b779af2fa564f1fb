package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/david/grant-discovery/internal/models"
	"github.com/david/grant-discovery/internal/scoring"
)

// scheduleScoring scores in the background whatever in recs needs it for
// profileKey. The returned channel closes when that work, and any scoring
// of the same records already in flight, ends. Scoring runs on the
// orchestrator's own context so it outlives the request.
func (o *Orchestrator) scheduleScoring(profile models.Profile, profileKey string, recs []models.Opportunity) <-chan struct{} {
	now := o.now()
	var need []models.Opportunity
	for _, r := range recs {
		if r.NeedsScoring(profileKey, now, o.cfg.StaleAfter) {
			need = append(need, r)
		}
	}

	done := make(chan struct{})
	mine, busy := o.claim(need, done)
	if len(mine) == 0 || o.batcher == nil {
		o.release(mine, done)
		close(done)
		return waitAll(busy)
	}

	o.scoringWG.Add(1)
	go func() {
		defer o.scoringWG.Done()
		defer close(done)
		defer o.release(mine, done)
		if _, err := o.scoreRecords(o.scoringCtx, profile, profileKey, mine); err != nil {
			o.log.Error("saving scores failed", "profile_key", profileKey, "error", err)
		}
	}()
	return waitAll(append(busy, done))
}

// scoreRecords runs the optional cheap prefilter, then the final scoring
// pass, and stores every score produced. It returns how many records got a
// score.
func (o *Orchestrator) scoreRecords(ctx context.Context, profile models.Profile, profileKey string, recs []models.Opportunity) (int, error) {
	if o.batcher == nil || len(recs) == 0 {
		return 0, nil
	}
	scored := 0
	final := recs

	if len(recs) > o.cfg.PrefilterThreshold {
		tier := o.router.Classify(scoring.Task{
			Kind:          scoring.TaskPrefilter,
			ContentLength: batchContent(recs, o.batcher.BatchSize()),
		})
		pre := o.batcher.Score(ctx, profile, recs, tier)
		var low []models.ScoredResult
		dropped := make(map[string]bool)
		for _, r := range pre.Scored {
			if r.Score < o.cfg.PrefilterMinScore {
				low = append(low, r)
				dropped[r.DedupKey] = true
			}
		}
		if err := o.store.SaveScores(ctx, profileKey, low, o.now().UTC()); err != nil {
			return scored, fmt.Errorf("saving prefilter scores: %w", err)
		}
		scored += len(low)
		final = final[:0:0]
		for _, r := range recs {
			if !dropped[r.DedupKey] {
				final = append(final, r)
			}
		}
		o.log.Info("prefilter pass", "profile_key", profileKey, "tier", tier, "in", len(recs), "dropped", len(low))
	}
	if len(final) == 0 {
		return scored, nil
	}

	tier := o.router.Classify(scoring.Task{
		Kind:          scoring.TaskFinalScore,
		ContentLength: batchContent(final, o.batcher.BatchSize()),
	})
	out := o.batcher.Score(ctx, profile, final, tier)
	if err := o.store.SaveScores(ctx, profileKey, out.Scored, o.now().UTC()); err != nil {
		return scored, fmt.Errorf("saving scores: %w", err)
	}
	scored += len(out.Scored)
	if len(out.Unscored) > 0 {
		o.log.Warn("records left unscored", "profile_key", profileKey, "count", len(out.Unscored))
	}
	return scored, nil
}

// RescoreStale scores every record never scored or scored more than maxAge
// ago, against the profile that discovered it.
func (o *Orchestrator) RescoreStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := o.store.ListStale(ctx, o.now().Add(-maxAge), 0)
	if err != nil {
		return 0, storeError(err)
	}

	byProfile := make(map[string][]models.Opportunity)
	var order []string
	for _, r := range stale {
		if _, ok := byProfile[r.ProfileKey]; !ok {
			order = append(order, r.ProfileKey)
		}
		byProfile[r.ProfileKey] = append(byProfile[r.ProfileKey], r)
	}

	total := 0
	for _, key := range order {
		profile, ok, err := o.store.GetProfile(ctx, key)
		if err != nil {
			return total, storeError(err)
		}
		if !ok {
			o.log.Warn("stale records reference an unknown profile", "profile_key", key, "count", len(byProfile[key]))
			continue
		}
		done := make(chan struct{})
		recs, _ := o.claim(byProfile[key], done)
		n, err := o.scoreRecords(ctx, profile, key, recs)
		o.release(recs, done)
		close(done)
		total += n
		if err != nil {
			return total, storeError(err)
		}
	}
	o.log.Info("rescore finished", "stale", len(stale), "scored", total)
	return total, nil
}

// claim marks the records in recs as being scored by the job that closes
// done. Records another job already holds are left out of mine; that job's
// done channel is returned in busy instead.
func (o *Orchestrator) claim(recs []models.Opportunity, done chan struct{}) (mine []models.Opportunity, busy []<-chan struct{}) {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()
	seen := make(map[chan struct{}]bool)
	for _, r := range recs {
		if ch, ok := o.claimed[r.DedupKey]; ok {
			if ch != done && !seen[ch] {
				seen[ch] = true
				busy = append(busy, ch)
			}
			continue
		}
		o.claimed[r.DedupKey] = done
		mine = append(mine, r)
	}
	return mine, busy
}

// release must run before done is closed so waiters reload finished work.
func (o *Orchestrator) release(recs []models.Opportunity, done chan struct{}) {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()
	for _, r := range recs {
		if o.claimed[r.DedupKey] == done {
			delete(o.claimed, r.DedupKey)
		}
	}
}

// waitAll closes the returned channel once every channel in chans is closed.
func waitAll(chans []<-chan struct{}) <-chan struct{} {
	switch len(chans) {
	case 0:
		out := make(chan struct{})
		close(out)
		return out
	case 1:
		return chans[0]
	}
	out := make(chan struct{})
	go func() {
		defer close(out)
		for _, ch := range chans {
			<-ch
		}
	}()
	return out
}

// Wait blocks until background scoring finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.scoringWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for background scoring and cancels whatever is still
// running when ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.Wait(ctx)
	o.cancelScoring()
	return err
}

func batchContent(recs []models.Opportunity, batchSize int) int {
	if len(recs) == 0 {
		return 0
	}
	total := 0
	for _, r := range recs {
		total += len(r.Title) + len(r.FunderName) + len(r.DescriptionSnippet)
	}
	n := min(batchSize, len(recs))
	return total / len(recs) * n
}
