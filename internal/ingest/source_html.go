package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/david/grant-discovery/internal/models"
	"github.com/gocolly/colly/v2"
)

// HTMLListingAdapter scrapes a listing page with configured CSS selectors.
type HTMLListingAdapter struct {
	cfg    SourceConfig
	client *http.Client
}

func NewHTMLListingAdapter(cfg SourceConfig, client *http.Client) (SourceAdapter, error) {
	if err := requireBaseURL(cfg); err != nil {
		return nil, err
	}
	if cfg.Selectors.Container == "" || cfg.Selectors.Title == "" {
		return nil, fmt.Errorf("source %s: selectors 'container' and 'title' are required for html_listing", cfg.ID)
	}
	return &HTMLListingAdapter{cfg: cfg, client: client}, nil
}

func (a *HTMLListingAdapter) Name() string { return a.cfg.ID }

func (a *HTMLListingAdapter) Fetch(ctx context.Context, q models.NormalizedQuery, _ *models.SourceCredential) ([]models.RawRecord, error) {
	pageURL, err := a.listingURL(q)
	if err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
		colly.MaxDepth(1),
	)
	if a.client != nil && a.client.Transport != nil {
		collector.WithTransport(a.client.Transport)
	}
	timeout := a.cfg.Timeout()
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1}); err != nil {
		return nil, fmt.Errorf("configuring collector: %w", err)
	}

	sel := a.cfg.Selectors
	limit := q.MaxResults
	if limit <= 0 {
		limit = a.cfg.maxItems(50)
	}
	var out []models.RawRecord

	collector.OnHTML(sel.Container, func(e *colly.HTMLElement) {
		if len(out) >= limit {
			return
		}
		title := cleanText(e.ChildText(sel.Title))
		if title == "" {
			return
		}

		linkAttr := sel.LinkAttr
		if linkAttr == "" {
			linkAttr = "href"
		}
		var link string
		if sel.Link == "" || sel.Link == "." {
			link = strings.TrimSpace(e.Attr(linkAttr))
		} else {
			link = strings.TrimSpace(e.ChildAttr(sel.Link, linkAttr))
		}
		var fullURL string
		if link != "" {
			fullURL = CanonicalizeURL(e.Request.AbsoluteURL(link))
		}

		summary := childText(e, sel.Content)
		if !matchesKeywords(q.Keywords, title, summary) {
			return
		}

		id := fullURL
		if id == "" {
			id = title
		}
		hash := sha1.Sum([]byte(id))

		raw := models.RawRecord{
			SourceName:  a.Name(),
			SourceKey:   sourceKey(a.Name(), hex.EncodeToString(hash[:])),
			Title:       title,
			FunderName:  firstNonEmpty(childText(e, sel.Funder), a.cfg.Funder),
			URL:         fullURL,
			Description: summary,
			ContactText: contactText(e.DOM, sel.Contact),
		}
		if d := childText(e, sel.Deadline); d != "" {
			raw.Deadline = ParseDate(d)
		} else {
			raw.Deadline = ExtractDeadline(summary)
		}
		if amt := childText(e, sel.Amount); amt != "" {
			raw.AmountMin, raw.AmountMax, raw.Currency = ParseAmount(amt)
		}
		if raw.Deadline != nil && !q.DeadlineAfter.IsZero() && raw.Deadline.Before(q.DeadlineAfter) {
			return
		}
		out = append(out, raw)
	})

	var fetchErr error
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = statusError(a.Name(), r.StatusCode, string(r.Body))
			return
		}
		fetchErr = transportError(a.Name(), err)
	})

	if err := collector.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = transportError(a.Name(), err)
	}
	collector.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	return out, nil
}

func (a *HTMLListingAdapter) listingURL(q models.NormalizedQuery) (string, error) {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if a.cfg.SearchParam != "" && len(q.Keywords) > 0 {
		params := u.Query()
		params.Set(a.cfg.SearchParam, keywordQuery(q.Keywords))
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

func childText(e *colly.HTMLElement, selector string) string {
	if selector == "" {
		return ""
	}
	return cleanText(e.ChildText(selector))
}

// contactText prefers an explicit mailto link over the visible text.
func contactText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	block := s.Find(selector)
	text := cleanText(block.Text())
	if href, ok := block.Find("a[href^='mailto:']").First().Attr("href"); ok {
		text = href + " " + text
	}
	return text
}
