package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/david/grant-discovery/internal/models"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func budget(v float64) *float64 { return &v }

func TestComputeSignatureIsOrderIndependent(t *testing.T) {
	a := models.Profile{Keywords: []string{"Rural Health", "clinics", "rural health"}, Geography: "US-VT", BudgetMax: budget(40000)}
	b := models.Profile{Keywords: []string{"clinics", "rural-health"}, Geography: "us vt", BudgetMax: budget(45000)}

	sa := ComputeSignature(a, []string{"grants_gov", "candid_news"})
	sb := ComputeSignature(b, []string{"candid_news", "GRANTS_GOV", "grants_gov"})
	if sa != sb {
		t.Fatalf("logically identical profiles produced %+v and %+v", sa, sb)
	}

	other := ComputeSignature(a, []string{"grants_gov"})
	if other.Key == sa.Key {
		t.Fatal("source set must change the signature key")
	}
	if other.ProfileKey != sa.ProfileKey {
		t.Fatal("source set must not change the profile key")
	}

	c := a
	c.BudgetMax = budget(500000)
	if ComputeSignature(c, []string{"grants_gov", "candid_news"}).Key == sa.Key {
		t.Fatal("budget band must change the signature")
	}
}

func TestBudgetBand(t *testing.T) {
	tests := []struct {
		p    models.Profile
		want string
	}{
		{models.Profile{}, "any"},
		{models.Profile{BudgetMin: budget(5000)}, "lt10k"},
		{models.Profile{BudgetMax: budget(10000)}, "10k-50k"},
		{models.Profile{BudgetMin: budget(1), BudgetMax: budget(300000)}, "250k-1m"},
		{models.Profile{BudgetMax: budget(2e6)}, "gte1m"},
	}
	for _, tt := range tests {
		if got := BudgetBand(tt.p); got != tt.want {
			t.Fatalf("BudgetBand(%+v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func exerciseCache(t *testing.T, c Cache, clock *testClock) {
	t.Helper()
	ctx := context.Background()
	sig := ComputeSignature(models.Profile{Keywords: []string{"arts"}}, []string{"rss"})

	if _, ok, err := c.Get(ctx, sig.Key); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	ids := []string{"k3", "k1", "k2"}
	if err := c.Put(ctx, sig, ids, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ids[0] = "mutated"

	e, ok, err := c.Get(ctx, sig.Key)
	if err != nil || !ok {
		t.Fatalf("expected hit: ok=%v err=%v", ok, err)
	}
	if len(e.ResultIDs) != 3 || e.ResultIDs[0] != "k3" || e.ResultIDs[2] != "k2" {
		t.Fatalf("ordering not preserved: %v", e.ResultIDs)
	}

	clock.Advance(61 * time.Minute)
	if _, ok, _ := c.Get(ctx, sig.Key); ok {
		t.Fatal("entry past ttl must read as a miss")
	}
	latest, ok, err := c.Latest(ctx, sig.ProfileKey)
	if err != nil || !ok || latest.Signature != sig.Key {
		t.Fatalf("Latest should ignore ttl: %+v ok=%v err=%v", latest, ok, err)
	}
	if _, ok, _ := c.Latest(ctx, "unknown"); ok {
		t.Fatal("Latest for unknown profile must miss")
	}
}

func TestMemoryCache(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	exerciseCache(t, NewMemory(WithClock(clock.Now)), clock)
}

func TestRedisCache(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	c := NewRedis(client, "test", WithClock(clock.Now))
	exerciseCache(t, c, clock)

	sig := ComputeSignature(models.Profile{Keywords: []string{"arts"}}, []string{"rss"})
	if ttl := m.TTL("test:entry:" + sig.Key); ttl != time.Hour+DefaultRetention {
		t.Fatalf("unexpected redis expiry %s", ttl)
	}
}
