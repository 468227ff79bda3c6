package lifecycle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/agg"
	"github.com/quantfeed/klined/internal/api"
	"github.com/quantfeed/klined/internal/cache"
	"github.com/quantfeed/klined/internal/config"
	"github.com/quantfeed/klined/internal/fetch"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/store"
	"github.com/quantfeed/klined/internal/store/postgres"
	"github.com/quantfeed/klined/internal/store/sqlite"
	"github.com/quantfeed/klined/internal/symbols"
	"github.com/quantfeed/klined/internal/upstream"
)

// App owns every long-lived component of the node.
type App struct {
	Config   config.Config
	Store    store.Store
	Cache    cache.Cache
	Ring     agg.Ring
	Client   *upstream.Client
	Fetcher  *fetch.Fetcher
	Agg      *agg.Aggregator
	Registry *symbols.Registry
	Metrics  *metrics.Registry
	Server   *api.Server
	Loops    *Loops

	redisCache *cache.Redis
}

// ConfigureLogging sets the global zerolog level and output format.
func ConfigureLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(os.Stdout)
}

// OpenStore selects the backend from the DB_URL scheme.
func OpenStore(cfg config.Config) store.Store {
	if cfg.UsesPostgres() {
		return postgres.New(cfg.DBURL, cfg.DBPoolSize)
	}
	return sqlite.New(cfg.DBURL, cfg.DBPoolSize)
}

// Build assembles the application from configuration. Nothing is started;
// the caller drives Prime / Start / Shutdown.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	ConfigureLogging(cfg.LogLevel)

	app := &App{Config: cfg, Metrics: metrics.NewRegistry()}

	app.Store = OpenStore(cfg)
	if err := app.Store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap store: %w", err)
	}

	if cfg.CacheURL != "" {
		rc, err := cache.NewRedisFromURL(cfg.CacheURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap cache: %w", err)
		}
		app.redisCache = rc
		app.Cache = rc
		app.Ring = agg.NewRedisRing(rc.Client(), 5)
	} else {
		app.Cache = cache.NewLRU(10_000)
		app.Ring = agg.NewMemoryRing(5)
	}

	app.Client = upstream.New(cfg.BinanceBase, cfg.FetchConcurrency, upstream.WithMetrics(app.Metrics))
	app.Registry = symbols.NewRegistry(cfg.Symbols)

	if cfg.EnableFetcher {
		app.Fetcher = fetch.New(app.Client, app.Store, fetch.Config{
			BackfillDays: cfg.InitBackfillDays,
			Pull4h:       cfg.BackfillPull4h,
			InitPull1m:   cfg.InitPull1m,
			InitPull4h:   cfg.InitPull4h,
			Concurrency:  cfg.FetchConcurrency,
		}, app.Metrics)
	}
	if cfg.EnableAggregator {
		app.Agg = agg.New(app.Store, app.Ring, app.Metrics)
	}
	app.Loops = NewLoops(app.Fetcher, app.Agg, app.Registry, app.Metrics)

	serverCfg := api.DefaultServerConfig(cfg.HTTPAddr)
	serverCfg.QuoteAssets = cfg.QuoteAssets
	app.Server = api.NewServer(
		serverCfg,
		api.NewGetKlines(app.Store, app.Cache, cfg.CacheTTLSec, app.Metrics),
		api.NewHealthSnapshot(app.Store),
		app.Registry,
		app.Client,
		app.Ring,
		app.Metrics,
	)
	return app, nil
}

// Run primes the data, starts the loops, the symbol sync and the HTTP
// server, then blocks until ctx is cancelled and everything is drained.
func (a *App) Run(ctx context.Context) error {
	if err := a.Loops.Prime(ctx); err != nil {
		// A failed prime leaves the node serving whatever the store holds;
		// the loops will keep retrying from there.
		log.Error().Str("component", "lifecycle").Err(err).Msg("startup prime failed")
	}
	a.Loops.Start(ctx)

	if a.Config.AutoSyncSymbols {
		go symbols.RunSync(ctx, a.Registry, a.Client, a.Config.QuoteAssets,
			time.Duration(a.Config.SymbolSyncIntervalSec)*time.Second)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	return a.Shutdown()
}

// Shutdown stops the HTTP server, waits for the loops and releases the
// client and store.
func (a *App) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Str("component", "lifecycle").Err(err).Msg("http shutdown")
	}
	a.Loops.Wait()
	if a.Fetcher != nil {
		a.Fetcher.Close()
	} else {
		a.Client.Close()
	}
	if a.redisCache != nil {
		_ = a.redisCache.Close()
	}
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Info().Str("component", "lifecycle").Msg("shutdown complete")
	return nil
}
