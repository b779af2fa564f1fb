package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/david/grant-discovery/internal/models"
)

// EUFundingAdapter queries the EU Funding & Tenders search API.
type EUFundingAdapter struct {
	cfg    SourceConfig
	client *http.Client
}

func NewEUFundingAdapter(cfg SourceConfig, client *http.Client) (SourceAdapter, error) {
	if err := requireBaseURL(cfg); err != nil {
		return nil, err
	}
	return &EUFundingAdapter{cfg: cfg, client: client}, nil
}

type euResponse struct {
	FundingOpportunities []json.RawMessage `json:"fundingOpportunities"`
	TotalCount           int               `json:"totalCount"`
}

type euOpportunity struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Status          string  `json:"status"`
	DeadlineDate    []int64 `json:"deadlineDate"`
	CallIdentifier  string  `json:"callIdentifier"`
	TopicIdentifier string  `json:"topicIdentifier"`
	Type            string  `json:"type"`
	Budget          string  `json:"budget"`
	Contact         string  `json:"contact,omitempty"`
}

func (a *EUFundingAdapter) Name() string { return a.cfg.ID }

func (a *EUFundingAdapter) Fetch(ctx context.Context, q models.NormalizedQuery, cred *models.SourceCredential) ([]models.RawRecord, error) {
	pageSize := q.MaxResults
	if pageSize <= 0 {
		pageSize = a.cfg.maxItems(50)
	}
	reqBody := map[string]any{
		"query":    keywordQuery(q.Keywords),
		"page":     1,
		"pageSize": pageSize,
		"status":   []string{"OPEN", "FORTHCOMING"},
	}
	if q.Geography != "" {
		reqBody["geography"] = q.Geography
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := credentialKey(cred); key != "" {
		req.Header.Set("apikey", key)
	}

	payload, err := doRequest(a.client, req, a.Name())
	if err != nil {
		return nil, err
	}

	var resp euResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, malformedError(a.Name(), fmt.Errorf("decoding response: %w", err))
	}

	out := make([]models.RawRecord, 0, len(resp.FundingOpportunities))
	for _, item := range resp.FundingOpportunities {
		var opp euOpportunity
		if err := json.Unmarshal(item, &opp); err != nil {
			continue
		}
		if raw, ok := a.toRaw(opp, q.DeadlineAfter); ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (a *EUFundingAdapter) toRaw(opp euOpportunity, deadlineAfter time.Time) (models.RawRecord, bool) {
	title := cleanText(opp.Title)
	id := firstNonEmpty(opp.TopicIdentifier, opp.CallIdentifier)
	if title == "" || id == "" {
		return models.RawRecord{}, false
	}
	if opp.Type == "Tenders" {
		return models.RawRecord{}, false
	}

	raw := models.RawRecord{
		SourceName:  a.Name(),
		SourceKey:   sourceKey(a.Name(), id),
		Title:       title,
		FunderName:  firstNonEmpty(a.cfg.Funder, "European Commission"),
		URL:         fmt.Sprintf("https://ec.europa.eu/info/funding-tenders/opportunities/portal/screen/opportunities/topic-details/%s", id),
		Currency:    "EUR",
		Description: HTMLToText(opp.Description),
		ContactText: opp.Contact,
	}

	if len(opp.DeadlineDate) > 0 && opp.DeadlineDate[0] > 0 {
		t := time.UnixMilli(opp.DeadlineDate[0]).UTC()
		if !deadlineAfter.IsZero() && t.Before(deadlineAfter) {
			return models.RawRecord{}, false
		}
		raw.Deadline = &t
	}

	if opp.Budget != "" {
		min, max, _ := ParseAmount(opp.Budget + " EUR")
		raw.AmountMin, raw.AmountMax = min, max
	}
	return raw, true
}
