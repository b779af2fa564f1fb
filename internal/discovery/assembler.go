package discovery

import (
	"sort"

	"github.com/david/grant-discovery/internal/models"
)

// Assemble ranks records for profileKey and truncates to limit (0 keeps
// all). Scored records sort by score desc, deadline asc (none last), last
// update desc, then dedup key. Unscored records follow in input order. A
// score given against another profile counts as no score.
func Assemble(records []models.Opportunity, profileKey string, limit int) []models.Opportunity {
	var scored, unscored []models.Opportunity
	for _, r := range records {
		r = r.Clone()
		if r.Score != nil && (profileKey == "" || r.ProfileKey == profileKey) {
			scored = append(scored, r)
			continue
		}
		r.Score, r.ScoredAt, r.ScoreExplanation, r.ScoreHighlights, r.ScoreTier = nil, nil, "", nil, ""
		unscored = append(unscored, r)
	}

	sort.SliceStable(scored, func(i, j int) bool { return rankLess(scored[i], scored[j]) })

	out := append(scored, unscored...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func rankLess(a, b models.Opportunity) bool {
	if *a.Score != *b.Score {
		return *a.Score > *b.Score
	}
	switch {
	case a.Deadline != nil && b.Deadline != nil:
		if !a.Deadline.Equal(*b.Deadline) {
			return a.Deadline.Before(*b.Deadline)
		}
	case a.Deadline != nil:
		return true
	case b.Deadline != nil:
		return false
	}
	if !a.LastUpdatedAt.Equal(b.LastUpdatedAt) {
		return a.LastUpdatedAt.After(b.LastUpdatedAt)
	}
	return a.DedupKey < b.DedupKey
}
