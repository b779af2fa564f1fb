package ingest

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the configuration for all opportunity sources.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// QuotaConfig caps calls to a provider within a rolling window.
type QuotaConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// SourceConfig defines a single provider.
type SourceConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Strategy    string   `yaml:"strategy"` // api_grants_gov, api_eu_ft, wordpress_rest, rss, html_listing
	Enabled     *bool    `yaml:"enabled,omitempty"`
	BaseURL     string   `yaml:"base_url"`
	Funder      string   `yaml:"funder,omitempty"`
	Credentials []string `yaml:"credentials,omitempty"`
	SearchParam string   `yaml:"search_param,omitempty"`
	Description string   `yaml:"description,omitempty"`

	Quota          QuotaConfig   `yaml:"quota,omitempty"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps,omitempty"`
	Cooldown       time.Duration `yaml:"cooldown,omitempty"`
	TimeoutSeconds int           `yaml:"timeout_seconds,omitempty"`
	MaxItems       int           `yaml:"max_items,omitempty"`

	Selectors SelectorConfig `yaml:"selectors,omitempty"`
}

// SelectorConfig holds CSS selectors for html_listing sources.
type SelectorConfig struct {
	Container string `yaml:"container,omitempty"`
	Title     string `yaml:"title,omitempty"`
	Link      string `yaml:"link,omitempty"`
	LinkAttr  string `yaml:"link_attr,omitempty"`
	Content   string `yaml:"content,omitempty"`
	Deadline  string `yaml:"deadline,omitempty"`
	Amount    string `yaml:"amount,omitempty"`
	Funder    string `yaml:"funder,omitempty"`
	Contact   string `yaml:"contact,omitempty"`
}

func (c SourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SourceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LiveCredentials drops entries whose environment variable expanded to nothing.
func (c SourceConfig) LiveCredentials() []string {
	out := make([]string, 0, len(c.Credentials))
	for _, k := range c.Credentials {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (c SourceConfig) maxItems(def int) int {
	if c.MaxItems > 0 {
		return c.MaxItems
	}
	return def
}

// LoadRegistry reads path when set, otherwise the embedded sources.yaml.
// Environment variables in the file are expanded before parsing.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("reading source registry: %w", err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parsing source registry: %w", err)
	}

	seen := make(map[string]bool, len(reg.Sources))
	for i, src := range reg.Sources {
		if src.ID == "" {
			return nil, fmt.Errorf("source #%d: missing id", i)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("source %s: duplicate id", src.ID)
		}
		seen[src.ID] = true
		if src.Strategy == "" {
			return nil, fmt.Errorf("source %s: missing strategy", src.ID)
		}
		if src.Quota.Limit > 0 && src.Quota.Window <= 0 {
			return nil, fmt.Errorf("source %s: quota limit needs a window", src.ID)
		}
	}
	return &reg, nil
}

// Enabled returns the enabled sources in file order.
func (r *Registry) Enabled() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.Sources))
	for _, s := range r.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
