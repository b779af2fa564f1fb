package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/david/grant-discovery/internal/models"
)

// GrantsGovAdapter queries the Grants.gov search2 API.
type GrantsGovAdapter struct {
	cfg    SourceConfig
	client *http.Client
}

func NewGrantsGovAdapter(cfg SourceConfig, client *http.Client) (SourceAdapter, error) {
	if err := requireBaseURL(cfg); err != nil {
		return nil, err
	}
	return &GrantsGovAdapter{cfg: cfg, client: client}, nil
}

type grantsGovSearchRequest struct {
	Keyword        string `json:"keyword"`
	OppStatuses    string `json:"oppStatuses"`
	SortBy         string `json:"sortBy"`
	Rows           int    `json:"rows"`
	StartRecordNum int    `json:"startRecordNum"`
}

type grantsGovResponse struct {
	Data struct {
		HitCount int               `json:"hitCount"`
		OppHits  []json.RawMessage `json:"oppHits"`
	} `json:"data"`
	ErrorCode int    `json:"errorcode"`
	Msg       string `json:"msg"`
}

type grantsGovRecord struct {
	ID           string          `json:"id"`
	Number       string          `json:"number"`
	Title        string          `json:"title"`
	Agency       string          `json:"agency"`
	AgencyCode   string          `json:"agencyCode"`
	OpenDate     string          `json:"openDate"`
	CloseDate    string          `json:"closeDate"`
	OppStatus    string          `json:"oppStatus"`
	DocType      string          `json:"docType"`
	CFDAList     []string        `json:"cfdaList"`
	AwardCeiling json.RawMessage `json:"awardCeiling,omitempty"`
	AwardFloor   json.RawMessage `json:"awardFloor,omitempty"`
	Synopsis     string          `json:"synopsis,omitempty"`
}

func (a *GrantsGovAdapter) Name() string { return a.cfg.ID }

func (a *GrantsGovAdapter) Fetch(ctx context.Context, q models.NormalizedQuery, cred *models.SourceCredential) ([]models.RawRecord, error) {
	rows := q.MaxResults
	if rows <= 0 {
		rows = a.cfg.maxItems(25)
	}
	body, err := json.Marshal(grantsGovSearchRequest{
		Keyword:     keywordQuery(q.Keywords),
		OppStatuses: "forecasted|posted",
		SortBy:      "openDate|desc",
		Rows:        rows,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := credentialKey(cred); key != "" {
		req.Header.Set("X-Api-Key", key)
	}

	payload, err := doRequest(a.client, req, a.Name())
	if err != nil {
		return nil, err
	}

	var resp grantsGovResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, malformedError(a.Name(), fmt.Errorf("decoding response: %w", err))
	}
	if resp.ErrorCode != 0 {
		return nil, malformedError(a.Name(), fmt.Errorf("api error %d: %s", resp.ErrorCode, resp.Msg))
	}

	out := make([]models.RawRecord, 0, len(resp.Data.OppHits))
	for _, item := range resp.Data.OppHits {
		var rec grantsGovRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			continue
		}
		raw, ok := a.toRaw(rec, q.DeadlineAfter)
		if ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (a *GrantsGovAdapter) toRaw(rec grantsGovRecord, deadlineAfter time.Time) (models.RawRecord, bool) {
	title := cleanText(rec.Title)
	if title == "" || rec.ID == "" {
		return models.RawRecord{}, false
	}

	raw := models.RawRecord{
		SourceName: a.Name(),
		SourceKey:  sourceKey(a.Name(), rec.ID),
		Title:      title,
		FunderName: firstNonEmpty(cleanText(rec.Agency), a.cfg.Funder),
		URL:        fmt.Sprintf("https://www.grants.gov/search-results-detail/%s", rec.ID),
		Currency:   "USD",
	}

	if rec.CloseDate != "" {
		if t, err := time.Parse("01/02/2006", rec.CloseDate); err == nil {
			end := toEndOfDay(t)
			if !deadlineAfter.IsZero() && end.Before(deadlineAfter) {
				return models.RawRecord{}, false
			}
			raw.Deadline = &end
		}
	}

	if v, ok := parseFlexibleAmount(rec.AwardFloor); ok {
		raw.AmountMin = &v
	}
	if v, ok := parseFlexibleAmount(rec.AwardCeiling); ok {
		raw.AmountMax = &v
	}

	parts := []string{}
	if rec.Synopsis != "" {
		parts = append(parts, rec.Synopsis)
	}
	if rec.Agency != "" {
		parts = append(parts, fmt.Sprintf("Federal %s from %s.", strings.ToLower(firstNonEmpty(rec.DocType, "grant")), rec.Agency))
	}
	if len(rec.CFDAList) > 0 {
		parts = append(parts, "CFDA: "+strings.Join(rec.CFDAList, ", "))
	}
	if rec.Number != "" {
		parts = append(parts, "Opportunity number: "+rec.Number)
	}
	raw.Description = strings.Join(parts, " ")
	return raw, true
}

// parseFlexibleAmount accepts 50000, "50000" and "$50,000".
func parseFlexibleAmount(v json.RawMessage) (float64, bool) {
	if len(v) == 0 || string(v) == "null" {
		return 0, false
	}
	s := strings.Trim(string(v), `"`)
	_, max, _ := ParseAmount(s)
	if max == nil || *max <= 0 {
		return 0, false
	}
	return *max, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
