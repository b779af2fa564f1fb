package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/models"
)

// Signature is the cache identity of a discovery. ProfileKey covers only the
// profile tokens; Key adds the source-set fingerprint.
type Signature struct {
	Key        string
	ProfileKey string
	SourceKey  string
}

// ComputeSignature canonicalizes a profile and source set. Keyword order,
// case, punctuation and duplicates do not change the result.
func ComputeSignature(p models.Profile, sources []string) Signature {
	kws := canonicalSet(p.Keywords, ingest.NormalizeText)
	geo := ingest.NormalizeText(p.Geography)
	profileCanon := "kw=" + strings.Join(kws, ",") + "|geo=" + geo + "|band=" + BudgetBand(p)

	srcs := canonicalSet(sources, func(s string) string { return strings.ToLower(strings.TrimSpace(s)) })
	sourceCanon := "src=" + strings.Join(srcs, ",")

	return Signature{
		Key:        digest(profileCanon + "#" + sourceCanon),
		ProfileKey: digest(profileCanon),
		SourceKey:  digest(sourceCanon),
	}
}

// BudgetBand buckets the requester budget so small edits do not bust the cache.
func BudgetBand(p models.Profile) string {
	var v float64
	switch {
	case p.BudgetMax != nil:
		v = *p.BudgetMax
	case p.BudgetMin != nil:
		v = *p.BudgetMin
	default:
		return "any"
	}
	switch {
	case v < 10_000:
		return "lt10k"
	case v < 50_000:
		return "10k-50k"
	case v < 250_000:
		return "50k-250k"
	case v < 1_000_000:
		return "250k-1m"
	default:
		return "gte1m"
	}
}

func canonicalSet(values []string, norm func(string) string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
