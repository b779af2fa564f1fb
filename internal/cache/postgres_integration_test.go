//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/david/grant-discovery/internal/db"
	"github.com/david/grant-discovery/internal/logging"
	"github.com/google/uuid"
)

func TestPostgresCacheRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.ApplyMigrations(ctx, pool, logging.NewNop()); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	clock := now
	c := NewPostgres(pool, WithClock(func() time.Time { return clock }))

	profileKey := "it-" + uuid.NewString()
	older := Signature{Key: "it-a-" + uuid.NewString(), ProfileKey: profileKey}
	newer := Signature{Key: "it-b-" + uuid.NewString(), ProfileKey: profileKey}

	if err := c.Put(ctx, older, []string{"k1", "k2"}, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock = now.Add(time.Minute)
	if err := c.Put(ctx, newer, []string{"k3"}, time.Hour); err != nil {
		t.Fatalf("put newer: %v", err)
	}

	e, ok, err := c.Get(ctx, older.Key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(e.ResultIDs) != 2 || e.ResultIDs[0] != "k1" || e.TTL != time.Hour {
		t.Fatalf("entry = %+v", e)
	}

	latest, ok, err := c.Latest(ctx, profileKey)
	if err != nil || !ok || latest.Signature != newer.Key {
		t.Fatalf("latest = %+v ok=%v err=%v", latest, ok, err)
	}

	clock = now.Add(2 * time.Hour)
	if _, ok, err := c.Get(ctx, older.Key); err != nil || ok {
		t.Fatalf("expired entry served: ok=%v err=%v", ok, err)
	}
	// Latest ignores expiry so it can back a degraded response.
	if _, ok, err := c.Latest(ctx, profileKey); err != nil || !ok {
		t.Fatalf("latest after expiry: ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.Get(ctx, "it-missing-"+uuid.NewString()); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
}
