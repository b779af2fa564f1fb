// Package app assembles the discovery pipeline from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/david/grant-discovery/internal/ai"
	"github.com/david/grant-discovery/internal/cache"
	"github.com/david/grant-discovery/internal/config"
	"github.com/david/grant-discovery/internal/db"
	"github.com/david/grant-discovery/internal/dedup"
	"github.com/david/grant-discovery/internal/discovery"
	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/logging"
	"github.com/david/grant-discovery/internal/ratelimit"
	"github.com/david/grant-discovery/internal/scoring"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App owns every long-lived component. Close releases them in reverse order.
type App struct {
	Orchestrator *discovery.Orchestrator
	Store        db.OpportunityStore
	Model        *ai.OllamaClient
	Registry     *ingest.Registry

	pool    *pgxpool.Pool
	redis   *redis.Client
	closers []func()
}

// Build connects storage, loads the source registry and wires the
// orchestrator.
func Build(ctx context.Context, cfg config.Config, log *logging.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	c, err := a.openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg, err := ingest.LoadRegistry(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("loading source registry: %w", err)
	}
	a.Registry = reg

	client := ingest.NewSafeClient(cfg.SourceTimeout)
	var sources []discovery.Source
	for _, sc := range reg.Enabled() {
		adapter, err := ingest.DefaultFactory.Build(sc, client)
		if err != nil {
			return nil, err
		}
		sources = append(sources, discovery.Source{Adapter: adapter, Config: sc})
	}
	log.Info("source registry loaded", "sources", len(sources), "strategies", ingest.DefaultFactory.Strategies())

	a.Model = ai.NewOllamaClient(cfg.Ollama.Host, cfg.Ollama.CheapModel, cfg.Ollama.ExpensiveModel)
	batcher := scoring.NewBatcher(a.Model, scoring.Config{
		BatchSize:   cfg.Scoring.BatchSize,
		Timeout:     cfg.Scoring.BatchTimeout,
		MaxInFlight: cfg.Scoring.MaxInFlight,
	}, log.With("component", "scoring"))

	a.Orchestrator = discovery.New(discovery.Deps{
		Sources: sources,
		Limiter: ratelimit.New(),
		Cache:   c,
		Store:   a.Store,
		Merger:  dedup.New(a.Store, log.With("component", "dedup")),
		Router:  scoring.Router{MaxCheapContent: cfg.Scoring.MaxCheapContent},
		Batcher: batcher,
		Logger:  log.With("component", "discovery"),
	}, discovery.Config{
		CacheTTL:           cfg.CacheTTL,
		Budget:             cfg.DiscoveryBudget,
		SourceTimeout:      cfg.SourceTimeout,
		StaleAfter:         cfg.Scoring.StaleAfter,
		PrefilterThreshold: cfg.Scoring.PrefilterThreshold,
		PrefilterMinScore:  cfg.Scoring.PrefilterMinScore,
	})

	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config, log *logging.Logger) error {
	if cfg.StoreBackend == "memory" {
		a.Store = db.NewMemoryStore()
		log.Warn("using in-memory opportunity store; records are lost on restart")
		return nil
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	if err := db.ApplyMigrations(ctx, pool, log); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	a.Store = db.NewStore(pool)
	return nil
}

func (a *App) openCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return cache.NewRedis(a.redis, "discovery"), nil
	case "postgres":
		if a.pool == nil {
			return cache.NewMemory(), nil
		}
		return cache.NewPostgres(a.pool), nil
	default:
		return cache.NewMemory(), nil
	}
}

// Close waits for nothing; call Orchestrator.Shutdown first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
