package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/david/grant-discovery/internal/models"
	"github.com/mmcdole/gofeed"
)

// RSSAdapter reads a funder's RFP feed and keeps items matching the query.
type RSSAdapter struct {
	cfg    SourceConfig
	client *http.Client
}

func NewRSSAdapter(cfg SourceConfig, client *http.Client) (SourceAdapter, error) {
	if err := requireBaseURL(cfg); err != nil {
		return nil, err
	}
	return &RSSAdapter{cfg: cfg, client: client}, nil
}

func (a *RSSAdapter) Name() string { return a.cfg.ID }

func (a *RSSAdapter) Fetch(ctx context.Context, q models.NormalizedQuery, cred *models.SourceCredential) ([]models.RawRecord, error) {
	feedURL := a.cfg.BaseURL
	if a.cfg.SearchParam != "" && len(q.Keywords) > 0 {
		u, err := url.Parse(feedURL)
		if err != nil {
			return nil, fmt.Errorf("parsing feed URL: %w", err)
		}
		params := u.Query()
		params.Set(a.cfg.SearchParam, keywordQuery(q.Keywords))
		u.RawQuery = params.Encode()
		feedURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	if key := credentialKey(cred); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	payload, err := doRequest(a.client, req, a.Name())
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, malformedError(a.Name(), fmt.Errorf("parsing feed: %w", err))
	}

	limit := q.MaxResults
	if limit <= 0 {
		limit = a.cfg.maxItems(50)
	}
	out := make([]models.RawRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || len(out) >= limit {
			continue
		}
		title := cleanText(item.Title)
		body := HTMLToText(firstNonEmpty(item.Content, item.Description))
		if title == "" || !matchesKeywords(q.Keywords, title, body) {
			continue
		}
		id := firstNonEmpty(item.GUID, CanonicalizeURL(item.Link))
		if id == "" {
			continue
		}

		funder := a.cfg.Funder
		contact := body
		if item.Author != nil {
			if funder == "" {
				funder = item.Author.Name
			}
			if item.Author.Email != "" {
				contact = "Email: " + item.Author.Email + " " + contact
			}
		}
		if funder == "" {
			funder = cleanText(feed.Title)
		}

		raw := models.RawRecord{
			SourceName:  a.Name(),
			SourceKey:   sourceKey(a.Name(), id),
			Title:       title,
			FunderName:  funder,
			URL:         CanonicalizeURL(item.Link),
			Description: body,
			ContactText: contact,
			Deadline:    ExtractDeadline(body),
		}
		raw.AmountMin, raw.AmountMax, raw.Currency = ExtractAmount(body)
		if raw.Deadline != nil && !q.DeadlineAfter.IsZero() && raw.Deadline.Before(q.DeadlineAfter) {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}
