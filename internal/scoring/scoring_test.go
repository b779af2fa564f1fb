package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/models"
)

func TestRouterClassify(t *testing.T) {
	r := Router{MaxCheapContent: 1000}
	tests := []struct {
		name string
		task Task
		want models.ModelTier
	}{
		{"prefilter", Task{Kind: TaskPrefilter, ContentLength: 200}, models.TierCheap},
		{"simple tag", Task{Tags: []string{"Simple"}}, models.TierCheap},
		{"final score", Task{Kind: TaskFinalScore}, models.TierExpensive},
		{"narrative", Task{Kind: TaskNarrative, Tags: []string{"simple"}}, models.TierExpensive},
		{"quality critical beats prefilter", Task{Kind: TaskPrefilter, Tags: []string{"quality-critical"}}, models.TierExpensive},
		{"oversized prefilter", Task{Kind: TaskPrefilter, ContentLength: 5000}, models.TierExpensive},
		{"ambiguous", Task{Kind: "something-new"}, models.TierExpensive},
		{"empty", Task{}, models.TierExpensive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Classify(tt.task); got != tt.want {
				t.Fatalf("Classify(%+v) = %s, want %s", tt.task, got, tt.want)
			}
		})
	}
}

var batchSizeRe = regexp.MustCompile(`id from 1 to (\d+)`)

// fakeModel answers with a valid score for every record unless told
// otherwise for a given batch size.
type fakeModel struct {
	mu        sync.Mutex
	hangOn    map[int]bool
	garbageOn map[int]bool
	sizes     []int
	inFlight  int32
	peak      int32
	delay     time.Duration
}

func (f *fakeModel) Evaluate(ctx context.Context, tier models.ModelTier, prompt string) (string, error) {
	n, _ := strconv.Atoi(batchSizeRe.FindStringSubmatch(prompt)[1])
	f.mu.Lock()
	f.sizes = append(f.sizes, n)
	hang, garbage := f.hangOn[n], f.garbageOn[n]
	f.mu.Unlock()

	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&f.peak, p, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if garbage {
		return `{"results":[{"id":1,"score":9}]}`, nil
	}
	type item struct {
		ID          int      `json:"id"`
		Score       int      `json:"score"`
		Explanation string   `json:"explanation"`
		Highlights  []string `json:"highlights"`
	}
	var out struct {
		Results []item `json:"results"`
	}
	for i := 1; i <= n; i++ {
		out.Results = append(out.Results, item{ID: i, Score: 1 + i%5, Explanation: "fits", Highlights: []string{"a", "b", " ", "c", "d", "e"}})
	}
	raw, _ := json.Marshal(out)
	return string(raw), nil
}

func makeRecords(n int) []models.Opportunity {
	out := make([]models.Opportunity, n)
	for i := range out {
		out[i] = models.Opportunity{DedupKey: fmt.Sprintf("k%02d", i), Title: fmt.Sprintf("Grant %d", i), FunderName: "F"}
	}
	return out
}

func TestScoreBatchSuccess(t *testing.T) {
	b := NewBatcher(&fakeModel{}, Config{}, logging.NewNop())
	recs := makeRecords(3)
	res := b.ScoreBatch(context.Background(), models.Profile{Keywords: []string{"x"}}, recs, models.TierExpensive)
	if res.Status != StatusSuccess || len(res.Results) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for i, r := range res.Results {
		if r.DedupKey != recs[i].DedupKey || r.Score < 1 || r.Score > 5 || r.Tier != models.TierExpensive {
			t.Fatalf("result %d out of contract: %+v", i, r)
		}
		if len(r.Highlights) != 4 {
			t.Fatalf("highlights should be cleaned and capped at 4: %v", r.Highlights)
		}
	}
	if res.Job.Status != models.JobDone || res.Job.BatchID == "" {
		t.Fatalf("job not finalized: %+v", res.Job)
	}
}

func TestScoreBatchMalformed(t *testing.T) {
	b := NewBatcher(&fakeModel{garbageOn: map[int]bool{2: true}}, Config{}, logging.NewNop())
	res := b.ScoreBatch(context.Background(), models.Profile{}, makeRecords(2), models.TierCheap)
	if res.Status != StatusMalformed || !errors.Is(res.Err, ErrMalformedOutput) || len(res.Results) != 0 {
		t.Fatalf("expected atomic malformed failure, got %+v", res)
	}
}

func TestParseOutputRejectsMissingIDs(t *testing.T) {
	recs := makeRecords(2)
	if _, err := parseOutput(`{"results":[{"id":1,"score":3}]}`, recs, models.TierCheap); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("missing id must be malformed, got %v", err)
	}
	if _, err := parseOutput(`{"results":[{"id":1,"score":3},{"id":1,"score":2}]}`, recs, models.TierCheap); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("duplicate id must be malformed, got %v", err)
	}
	if _, err := parseOutput(`not json`, recs, models.TierCheap); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("bad json must be malformed, got %v", err)
	}
}

func TestScenarioC_TimeoutThenHalfRetry(t *testing.T) {
	model := &fakeModel{hangOn: map[int]bool{15: true}}
	b := NewBatcher(model, Config{BatchSize: 15, Timeout: 50 * time.Millisecond}, logging.NewNop())
	recs := makeRecords(15)

	start := time.Now()
	out := b.Score(context.Background(), models.Profile{}, recs, models.TierExpensive)
	if time.Since(start) > 2*time.Second {
		t.Fatal("batch deadline was not enforced")
	}

	if len(out.Batches) != 2 || out.Batches[0].Status != StatusTimeout || out.Batches[1].Status != StatusSuccess {
		t.Fatalf("unexpected batches: %+v", out.Batches)
	}
	if len(out.Scored) != 7 || len(out.Unscored) != 8 {
		t.Fatalf("scored=%d unscored=%d, want 7 and 8", len(out.Scored), len(out.Unscored))
	}
	for i, r := range out.Scored {
		if r.DedupKey != recs[i].DedupKey {
			t.Fatalf("retry should cover the first half, got %s at %d", r.DedupKey, i)
		}
	}
	if out.Unscored[0] != "k07" || out.Unscored[7] != "k14" {
		t.Fatalf("unexpected unscored keys %v", out.Unscored)
	}
}

func TestScoreRespectsMaxInFlight(t *testing.T) {
	model := &fakeModel{delay: 20 * time.Millisecond}
	b := NewBatcher(model, Config{BatchSize: 2, MaxInFlight: 2, Timeout: time.Second}, logging.NewNop())
	out := b.Score(context.Background(), models.Profile{}, makeRecords(12), models.TierCheap)
	if len(out.Scored) != 12 || len(out.Unscored) != 0 {
		t.Fatalf("scored=%d unscored=%d", len(out.Scored), len(out.Unscored))
	}
	if peak := atomic.LoadInt32(&model.peak); peak > 2 {
		t.Fatalf("peak in-flight batches %d exceeds limit 2", peak)
	}
	for _, n := range model.sizes {
		if n > 2 {
			t.Fatalf("batch of %d exceeds size cap", n)
		}
	}
}

func TestBuildPromptNumbersRecords(t *testing.T) {
	p := BuildPrompt(models.Profile{Keywords: []string{"health"}, Geography: "VT"}, makeRecords(2), models.TierExpensive)
	for _, want := range []string{"[1] Grant 0", "[2] Grant 1", "Geography: VT", "id from 1 to 2"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}
