package models

import (
	"testing"
	"time"
)

func TestPopulatedFields(t *testing.T) {
	amt := 5000.0
	now := time.Now()
	tests := []struct {
		name string
		opp  Opportunity
		want int
	}{
		{name: "empty", opp: Opportunity{Title: "x"}, want: 0},
		{name: "amount and deadline", opp: Opportunity{AmountMax: &amt, Deadline: &now}, want: 2},
		{
			name: "contact counts per field",
			opp: Opportunity{Contact: &ContactInfo{
				Email: &ContactField{Value: "a@b.org", Confidence: ConfidenceHigh},
				Name:  &ContactField{Value: "Ann", Confidence: ConfidenceLow},
			}},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opp.PopulatedFields(); got != tt.want {
				t.Fatalf("PopulatedFields() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNeedsScoring(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	old := now.Add(-10 * 24 * time.Hour)
	score := 4

	if !(Opportunity{}).NeedsScoring("p", now, 24*time.Hour) {
		t.Fatal("unscored record must need scoring")
	}
	rec := Opportunity{Score: &score, ScoredAt: &fresh, ProfileKey: "p"}
	if rec.NeedsScoring("p", now, 24*time.Hour) {
		t.Fatal("fresh score should not need scoring")
	}
	if !rec.NeedsScoring("other", now, 24*time.Hour) {
		t.Fatal("score for another profile should need scoring")
	}
	rec.ScoredAt = &old
	if !rec.NeedsScoring("p", now, 24*time.Hour) {
		t.Fatal("stale score should need scoring")
	}
}

func TestCloneIsDeep(t *testing.T) {
	amt := 10.0
	orig := Opportunity{AmountMin: &amt, ScoreHighlights: []string{"a"}, Contact: &ContactInfo{Email: &ContactField{Value: "x@y.z"}}}
	cp := orig.Clone()
	*cp.AmountMin = 99
	cp.ScoreHighlights[0] = "b"
	cp.Contact.Email.Value = "changed"
	if *orig.AmountMin != 10 || orig.ScoreHighlights[0] != "a" || orig.Contact.Email.Value != "x@y.z" {
		t.Fatalf("clone aliased original: %+v", orig)
	}
}

func TestCacheEntryExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := CacheEntry{CreatedAt: created, TTL: time.Hour}
	if e.Expired(created.Add(59 * time.Minute)) {
		t.Fatal("entry should be live inside ttl")
	}
	if !e.Expired(created.Add(time.Hour)) {
		t.Fatal("entry should be expired at ttl")
	}
}
