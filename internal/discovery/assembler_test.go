package discovery

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/david/grant-discovery/internal/models"
)

func opp(key string, score int, deadline *time.Time, updated time.Time, profileKey string) models.Opportunity {
	o := models.Opportunity{DedupKey: key, Deadline: deadline, LastUpdatedAt: updated, ProfileKey: profileKey}
	if score > 0 {
		s := score
		at := updated
		o.Score, o.ScoredAt = &s, &at
	}
	return o
}

func keys(recs []models.Opportunity) string {
	out := ""
	for i, r := range recs {
		if i > 0 {
			out += ","
		}
		out += r.DedupKey
	}
	return out
}

func TestAssembleOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	soon, later := base.AddDate(0, 1, 0), base.AddDate(0, 6, 0)
	recs := []models.Opportunity{
		opp("u1", 0, nil, base, "p"),
		opp("a", 3, &later, base, "p"),
		opp("b", 5, nil, base, "p"),
		opp("c", 5, &soon, base, "p"),
		opp("d", 3, &later, base.Add(time.Hour), "p"),
		opp("e", 3, &later, base.Add(time.Hour), "p"),
		opp("u2", 0, nil, base, "p"),
		opp("other", 5, &soon, base, "q"),
	}
	got := Assemble(recs, "p", 0)
	if want := "c,b,d,e,a,u1,u2,other"; keys(got) != want {
		t.Fatalf("order = %s, want %s", keys(got), want)
	}
	if got[len(got)-1].Score != nil {
		t.Fatalf("a score for another profile must read as unscored")
	}
}

func TestAssembleIsOrderInvariantForScored(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var recs []models.Opportunity
	for i := 0; i < 20; i++ {
		d := base.AddDate(0, 0, i%4)
		recs = append(recs, opp(fmt.Sprintf("k%02d", i), 1+i%5, &d, base.Add(time.Duration(i%3)*time.Hour), "p"))
	}
	want := keys(Assemble(recs, "p", 0))
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]models.Opportunity(nil), recs...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := keys(Assemble(shuffled, "p", 0)); got != want {
			t.Fatalf("shuffle %d changed the ranking:\n got %s\nwant %s", i, got, want)
		}
	}
}

func TestAssemblePartialScoring(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var recs []models.Opportunity
	for i := 0; i < 15; i++ {
		score := 0
		if i < 7 {
			score = 1 + i%5
		}
		recs = append(recs, opp(fmt.Sprintf("k%02d", i), score, nil, base, "p"))
	}
	got := Assemble(recs, "p", 0)
	if len(got) != 15 {
		t.Fatalf("len = %d", len(got))
	}
	for i, r := range got {
		if (i < 7) != (r.Score != nil) {
			t.Fatalf("position %d: scored records must lead, got %+v", i, r)
		}
	}
	for i, r := range got[7:] {
		if want := fmt.Sprintf("k%02d", 7+i); r.DedupKey != want {
			t.Fatalf("unscored records must keep input order: got %s want %s", r.DedupKey, want)
		}
	}
}

func TestAssembleLimitAndNoAliasing(t *testing.T) {
	base := time.Now()
	recs := []models.Opportunity{opp("a", 2, nil, base, "p"), opp("b", 4, nil, base, "p"), opp("c", 0, nil, base, "p")}
	got := Assemble(recs, "p", 2)
	if keys(got) != "b,a" {
		t.Fatalf("limit result = %s", keys(got))
	}
	*got[0].Score = 1
	if *recs[1].Score != 4 {
		t.Fatalf("Assemble must not alias its input")
	}
}
