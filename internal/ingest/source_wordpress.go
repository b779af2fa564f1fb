package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/david/grant-discovery/internal/models"
)

// WordPressAdapter searches posts through the WordPress REST API.
type WordPressAdapter struct {
	cfg    SourceConfig
	client *http.Client
	apiURL string
}

func NewWordPressAdapter(cfg SourceConfig, client *http.Client) (SourceAdapter, error) {
	if err := requireBaseURL(cfg); err != nil {
		return nil, err
	}
	apiURL := cfg.BaseURL
	if !strings.Contains(apiURL, "wp-json") {
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid base URL: %w", cfg.ID, err)
		}
		apiURL = strings.TrimRight(u.String(), "/") + "/wp-json/wp/v2/posts"
	}
	return &WordPressAdapter{cfg: cfg, client: client, apiURL: apiURL}, nil
}

type wpPost struct {
	ID    int    `json:"id"`
	Date  string `json:"date"`
	Link  string `json:"link"`
	Title struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
	Content struct {
		Rendered string `json:"rendered"`
	} `json:"content"`
	Excerpt struct {
		Rendered string `json:"rendered"`
	} `json:"excerpt"`
}

func (a *WordPressAdapter) Name() string { return a.cfg.ID }

func (a *WordPressAdapter) Fetch(ctx context.Context, q models.NormalizedQuery, cred *models.SourceCredential) ([]models.RawRecord, error) {
	perPage := q.MaxResults
	if perPage <= 0 || perPage > 100 {
		perPage = a.cfg.maxItems(20)
	}
	params := url.Values{}
	params.Set("per_page", strconv.Itoa(perPage))
	if s := keywordQuery(q.Keywords); s != "" {
		params.Set("search", s)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := credentialKey(cred); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	payload, err := doRequest(a.client, req, a.Name())
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, malformedError(a.Name(), fmt.Errorf("decoding posts: %w", err))
	}

	out := make([]models.RawRecord, 0, len(items))
	for _, item := range items {
		var post wpPost
		if err := json.Unmarshal(item, &post); err != nil {
			continue
		}
		title := HTMLToText(post.Title.Rendered)
		if title == "" || post.ID == 0 {
			continue
		}
		body := HTMLToText(post.Content.Rendered)
		raw := models.RawRecord{
			SourceName:  a.Name(),
			SourceKey:   sourceKey(a.Name(), strconv.Itoa(post.ID)),
			Title:       title,
			FunderName:  a.cfg.Funder,
			URL:         CanonicalizeURL(post.Link),
			Description: firstNonEmpty(HTMLToText(post.Excerpt.Rendered), body),
			ContactText: body,
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
