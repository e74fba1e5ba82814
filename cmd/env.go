package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stitchandsole/leadsync/internal/ingest"
	"github.com/stitchandsole/leadsync/internal/phoneindex"
	"github.com/stitchandsole/leadsync/internal/quote"
	"github.com/stitchandsole/leadsync/internal/resilience"
	"github.com/stitchandsole/leadsync/internal/store"
	"github.com/stitchandsole/leadsync/pkg/shopify"
	"github.com/stitchandsole/leadsync/pkg/vision"
	"github.com/stitchandsole/leadsync/pkg/zoko"
)

// appEnv holds the initialized store, API clients, and domain services
// shared by the serve and sync commands.
type appEnv struct {
	Store     store.Store
	Directory zoko.Client
	Orders    shopify.Client
	Phones    *phoneindex.Cache
	Pipeline  *ingest.Pipeline
	Quoter    *quote.Quoter // nil outside serve mode
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp sets up everything a command needs. mode selects how much: "sync"
// stops at the ingestion pipeline, "serve" adds the quoting stack. Callers
// should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	// A restarting database should not kill the process before the first
	// request does.
	pingCfg := resilience.DefaultRetryConfig()
	pingCfg.OnRetry = resilience.RetryLogger("store", "ping")
	pingCfg.ShouldRetry = func(error) bool { return true }
	if err := resilience.Do(ctx, pingCfg, st.Ping); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "ping store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	directory := zoko.NewClient(cfg.Zoko.Key,
		zoko.WithBaseURL(cfg.Zoko.BaseURL),
		zoko.WithRateLimit(cfg.Zoko.RateRPS),
		zoko.WithPageSize(cfg.Zoko.PageSize),
	)
	orders := shopify.NewClient(cfg.Shopify.Shop, cfg.Shopify.Token,
		shopify.WithAPIVersion(cfg.Shopify.APIVersion),
	)

	phones := phoneindex.New(directory, cfg.Sync.CountryCode,
		time.Duration(cfg.Sync.IndexTTLMins)*time.Minute)

	pipe := ingest.New(directory, orders, st, phones, ingest.Config{
		CountryCode:     cfg.Sync.CountryCode,
		LookbackDays:    cfg.Sync.LookbackDays,
		GroupWindow:     time.Duration(cfg.Sync.GroupWindowMins) * time.Minute,
		Concurrency:     cfg.Sync.Concurrency,
		OrderFetchLimit: cfg.Sync.OrderFetchLimit,
	})

	env := &appEnv{
		Store:     st,
		Directory: directory,
		Orders:    orders,
		Phones:    phones,
		Pipeline:  pipe,
	}

	if mode == "serve" {
		analyzer := vision.NewAnalyzer(cfg.Anthropic.Key,
			vision.WithModel(cfg.Anthropic.VisionModel),
			vision.WithMaxImages(cfg.Anthropic.MaxImages),
		)
		env.Quoter = quote.New(analyzer, orders, st, initCatalog(), quote.Config{
			CountryCode: cfg.Sync.CountryCode,
		})
	}

	return env, nil
}

// initCatalog loads the service catalog, falling back to the built-in list
// when none is configured or the file cannot be read.
func initCatalog() *quote.Catalog {
	if cfg.Quote.CatalogPath == "" {
		return quote.DefaultCatalog()
	}
	catalog, err := quote.LoadCatalog(cfg.Quote.CatalogPath)
	if err != nil {
		zap.L().Warn("service catalog not loaded, using built-in defaults", zap.Error(err))
		return quote.DefaultCatalog()
	}
	zap.L().Info("service catalog loaded",
		zap.String("path", cfg.Quote.CatalogPath),
		zap.Int("services", len(catalog.Services())),
	)
	return catalog
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
