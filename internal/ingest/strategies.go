package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/david/grant-discovery/internal/models"
)

// SourceAdapter translates a normalized query into one provider call and
// parses the answer into RawRecords. A provider that matched nothing
// returns an empty slice and a nil error; every failure is a *SourceError.
type SourceAdapter interface {
	Name() string
	Fetch(ctx context.Context, query models.NormalizedQuery, cred *models.SourceCredential) ([]models.RawRecord, error)
}

// AdapterBuilder constructs an adapter for one configured source.
type AdapterBuilder func(cfg SourceConfig, client *http.Client) (SourceAdapter, error)

// AdapterFactory maps strategy IDs from sources.yaml to builders.
type AdapterFactory struct {
	mu       sync.RWMutex
	builders map[string]AdapterBuilder
}

func NewAdapterFactory() *AdapterFactory {
	return &AdapterFactory{builders: make(map[string]AdapterBuilder)}
}

func (f *AdapterFactory) Register(strategy string, b AdapterBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[strategy] = b
}

func (f *AdapterFactory) Strategies() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.builders))
	for id := range f.builders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *AdapterFactory) Build(cfg SourceConfig, client *http.Client) (SourceAdapter, error) {
	f.mu.RLock()
	b, ok := f.builders[cfg.Strategy]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %s: strategy not found: %s", cfg.ID, cfg.Strategy)
	}
	return b(cfg, client)
}

// BuildAll builds an adapter for every enabled source in the registry.
func (f *AdapterFactory) BuildAll(reg *Registry, client *http.Client) ([]SourceAdapter, error) {
	var out []SourceAdapter
	for _, cfg := range reg.Enabled() {
		a, err := f.Build(cfg, client)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

var DefaultFactory = NewAdapterFactory()

func init() {
	DefaultFactory.Register("api_grants_gov", NewGrantsGovAdapter)
	DefaultFactory.Register("api_eu_ft", NewEUFundingAdapter)
	DefaultFactory.Register("wordpress_rest", NewWordPressAdapter)
	DefaultFactory.Register("rss", NewRSSAdapter)
	DefaultFactory.Register("html_listing", NewHTMLListingAdapter)
}

func requireBaseURL(cfg SourceConfig) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("source %s: base_url is required for %s", cfg.ID, cfg.Strategy)
	}
	return nil
}

func credentialKey(cred *models.SourceCredential) string {
	if cred == nil {
		return ""
	}
	return cred.KeyMaterial
}
