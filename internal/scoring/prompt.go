package scoring

import (
	"fmt"
	"strings"

	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/models"
)

const promptSnippetLength = 400

// BuildPrompt renders one batch. Records are referenced by their 1-based
// position so the model never has to echo dedup keys.
func BuildPrompt(profile models.Profile, records []models.Opportunity, tier models.ModelTier) string {
	var b strings.Builder
	if tier == models.TierCheap {
		b.WriteString("You are screening funding opportunities for basic fit. Be quick and coarse.\n\n")
	} else {
		b.WriteString("You are an expert grant analyst scoring how well each funding opportunity fits an applicant.\n\n")
	}

	b.WriteString("Applicant profile:\n")
	fmt.Fprintf(&b, "Focus: %s\n", strings.Join(profile.Keywords, ", "))
	if profile.Geography != "" {
		fmt.Fprintf(&b, "Geography: %s\n", profile.Geography)
	}
	if profile.BudgetMin != nil || profile.BudgetMax != nil {
		fmt.Fprintf(&b, "Budget: %s - %s\n", formatAmount(profile.BudgetMin), formatAmount(profile.BudgetMax))
	}
	if profile.Description != "" {
		fmt.Fprintf(&b, "About: %s\n", ingest.TruncateText(profile.Description, 800))
	}

	b.WriteString("\nOpportunities:\n")
	for i, r := range records {
		fmt.Fprintf(&b, "[%d] %s\n    Funder: %s\n", i+1, r.Title, r.FunderName)
		if r.AmountMin != nil || r.AmountMax != nil {
			fmt.Fprintf(&b, "    Amount: %s - %s %s\n", formatAmount(r.AmountMin), formatAmount(r.AmountMax), r.Currency)
		}
		if r.Deadline != nil {
			fmt.Fprintf(&b, "    Deadline: %s\n", r.Deadline.Format("2006-01-02"))
		}
		if r.DescriptionSnippet != "" {
			fmt.Fprintf(&b, "    Summary: %s\n", ingest.TruncateText(r.DescriptionSnippet, promptSnippetLength))
		}
	}

	fmt.Fprintf(&b, `
Instructions:
1. Score every opportunity from 1 (poor fit) to 5 (excellent fit).
2. Give a one-sentence explanation.
3. List the 2 to 4 strongest or weakest alignment points as short phrases.

Respond ONLY with JSON of this shape, one entry per id from 1 to %d:
{"results": [{"id": 1, "score": 4, "explanation": "string", "highlights": ["string"]}]}`, len(records))
	return b.String()
}

func formatAmount(v *float64) string {
	if v == nil {
		return "?"
	}
	return fmt.Sprintf("%.0f", *v)
}
