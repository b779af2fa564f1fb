package app

import (
	"context"
	"testing"

	"github.com/david/grant-discovery/internal/config"
	"github.com/david/grant-discovery/internal/logging"
)

func TestBuildWithMemoryBackends(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("CACHE_BACKEND", "memory")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	a, err := Build(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	status := a.Orchestrator.Status()
	if len(status) == 0 || len(status) != len(a.Registry.Enabled()) {
		t.Fatalf("expected one status per enabled source, got %d for %d", len(status), len(a.Registry.Enabled()))
	}
	for _, s := range status {
		if s.Strategy == "" || !s.Enabled {
			t.Fatalf("status incomplete: %+v", s)
		}
	}
	if err := a.Store.Ping(context.Background()); err != nil {
		t.Fatalf("memory store ping: %v", err)
	}
}

func TestBuildRejectsBadRedisURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "not-a-url://")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Build(context.Background(), cfg, logging.NewNop()); err == nil {
		t.Fatalf("expected an error for a bad redis url")
	}
}
