package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Fatalf("CacheTTL = %v, want 24h", cfg.CacheTTL)
	}
	if cfg.Scoring.BatchSize != 15 {
		t.Fatalf("BatchSize = %d, want 15", cfg.Scoring.BatchSize)
	}
	if cfg.Scoring.BatchTimeout != 6*time.Second {
		t.Fatalf("BatchTimeout = %v, want 6s", cfg.Scoring.BatchTimeout)
	}
	if cfg.Port != "8081" {
		t.Fatalf("Port = %q", cfg.Port)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CACHE_TTL", "2h")
	t.Setenv("SCORING_BATCH_SIZE", "8")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("CHEAP_MODEL", "tiny")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CacheTTL != 2*time.Hour {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.Scoring.BatchSize != 8 {
		t.Fatalf("BatchSize = %d", cfg.Scoring.BatchSize)
	}
	if cfg.CacheBackend != "redis" {
		t.Fatalf("CacheBackend = %q", cfg.CacheBackend)
	}
	if cfg.Ollama.CheapModel != "tiny" {
		t.Fatalf("CheapModel = %q", cfg.Ollama.CheapModel)
	}
}

func TestLoadMemoryStoreDowngradesPostgresCache(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CacheBackend != "memory" {
		t.Fatalf("CacheBackend = %q, want memory", cfg.CacheBackend)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DISCOVERY_BUDGET", "soon")
	t.Setenv("SCORING_MAX_INFLIGHT", "0")
	t.Setenv("CACHE_BACKEND", "memcached")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"DISCOVERY_BUDGET", "SCORING_MAX_INFLIGHT", "CACHE_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
