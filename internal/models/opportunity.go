package models

import (
	"time"
)

// Confidence tags how much a contact field can be trusted.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

type ContactField struct {
	Value      string     `json:"value"`
	Confidence Confidence `json:"confidence"`
}

// ContactInfo holds optional contact details. A nil field means unknown.
type ContactInfo struct {
	Email *ContactField `json:"email,omitempty"`
	Phone *ContactField `json:"phone,omitempty"`
	Name  *ContactField `json:"name,omitempty"`
}

func (c *ContactInfo) IsEmpty() bool {
	return c == nil || (c.Email == nil && c.Phone == nil && c.Name == nil)
}

func (c *ContactInfo) Clone() *ContactInfo {
	if c == nil {
		return nil
	}
	cp := &ContactInfo{}
	if c.Email != nil {
		v := *c.Email
		cp.Email = &v
	}
	if c.Phone != nil {
		v := *c.Phone
		cp.Phone = &v
	}
	if c.Name != nil {
		v := *c.Name
		cp.Name = &v
	}
	return cp
}

// Opportunity is the deduplicated record kept once per DedupKey.
type Opportunity struct {
	DedupKey   string `json:"dedup_key"`
	SourceKey  string `json:"source_key"`
	SourceName string `json:"source_name"`
	Title      string `json:"title"`
	FunderName string `json:"funder_name"`
	URL        string `json:"url,omitempty"`

	AmountMin          *float64     `json:"amount_min"`
	AmountMax          *float64     `json:"amount_max"`
	Currency           string       `json:"currency,omitempty"`
	Deadline           *time.Time   `json:"deadline"`
	DescriptionSnippet string       `json:"description_snippet,omitempty"`
	Contact            *ContactInfo `json:"contact_info"`

	Score            *int       `json:"score"`
	ScoreExplanation string     `json:"score_explanation,omitempty"`
	ScoreHighlights  []string   `json:"score_highlights,omitempty"`
	ScoreTier        ModelTier  `json:"score_tier,omitempty"`
	ScoredAt         *time.Time `json:"scored_at"`
	ProfileKey       string     `json:"profile_key,omitempty"`

	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PopulatedFields counts the optional attributes that carry a value.
func (o Opportunity) PopulatedFields() int {
	n := 0
	if o.URL != "" {
		n++
	}
	if o.AmountMin != nil {
		n++
	}
	if o.AmountMax != nil {
		n++
	}
	if o.Currency != "" {
		n++
	}
	if o.Deadline != nil {
		n++
	}
	if o.DescriptionSnippet != "" {
		n++
	}
	if o.Contact != nil {
		if o.Contact.Email != nil {
			n++
		}
		if o.Contact.Phone != nil {
			n++
		}
		if o.Contact.Name != nil {
			n++
		}
	}
	return n
}

// NeedsScoring reports whether the record has no score for profileKey or
// its score is older than staleAfter.
func (o Opportunity) NeedsScoring(profileKey string, now time.Time, staleAfter time.Duration) bool {
	if o.Score == nil || o.ScoredAt == nil {
		return true
	}
	if profileKey != "" && o.ProfileKey != profileKey {
		return true
	}
	return now.Sub(*o.ScoredAt) > staleAfter
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (o Opportunity) Clone() Opportunity {
	cp := o
	if o.AmountMin != nil {
		v := *o.AmountMin
		cp.AmountMin = &v
	}
	if o.AmountMax != nil {
		v := *o.AmountMax
		cp.AmountMax = &v
	}
	if o.Deadline != nil {
		v := *o.Deadline
		cp.Deadline = &v
	}
	if o.Score != nil {
		v := *o.Score
		cp.Score = &v
	}
	if o.ScoredAt != nil {
		v := *o.ScoredAt
		cp.ScoredAt = &v
	}
	if o.ScoreHighlights != nil {
		cp.ScoreHighlights = append([]string(nil), o.ScoreHighlights...)
	}
	cp.Contact = o.Contact.Clone()
	return cp
}
