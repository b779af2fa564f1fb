package models

import "time"

// RawRecord is the strict shape every source adapter normalizes into.
type RawRecord struct {
	SourceName  string     `json:"source_name"`
	SourceKey   string     `json:"source_key"`
	Title       string     `json:"title"`
	FunderName  string     `json:"funder_name"`
	URL         string     `json:"url,omitempty"`
	AmountMin   *float64   `json:"amount_min,omitempty"`
	AmountMax   *float64   `json:"amount_max,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Description string     `json:"description,omitempty"`
	ContactText string     `json:"contact_text,omitempty"`
}

// NormalizedQuery is the provider-agnostic search handed to each adapter.
type NormalizedQuery struct {
	Keywords      []string
	Geography     string
	DeadlineAfter time.Time
	MaxResults    int
}
