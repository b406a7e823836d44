// cmd/expansion-manager/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"site-expansion/internal/api"
	"site-expansion/internal/clientcache"
	"site-expansion/internal/common/aws"
	"site-expansion/internal/common/cache"
	"site-expansion/internal/common/camunda"
	"site-expansion/internal/common/config"
	"site-expansion/internal/common/database"
	"site-expansion/internal/common/geodata"
	commonhttp "site-expansion/internal/common/http"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/observability"
	"site-expansion/internal/common/rationale"
	"site-expansion/internal/models"
	"site-expansion/internal/orchestrator"

	cs "site-expansion/internal/workers/expansion/calculate-suggestions"
	ge "site-expansion/internal/workers/expansion/generate-expansion"
	si "site-expansion/internal/workers/expansion/snap-infrastructure"
	vs "site-expansion/internal/workers/expansion/validate-suitability"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.NewWithOutput(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting expansion manager...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("dispatch", cfg.Jobs.Dispatch),
	)

	obs, err := observability.New("expansion-manager")
	if err != nil {
		zapLog.Warn("observability init failed, continuing without otel metrics", zap.Error(err))
		obs = observability.NewNoop()
	}
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("postgres schema failed", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected successfully")

	// --- Result caches ---
	suitabilityStore, snappingStore, closeStores := buildCacheStores(ctx, cfg, pg, zapLog)
	defer closeStores()

	suitabilityCache := cache.New[models.TilequeryResult]("suitability", suitabilityStore,
		time.Duration(cfg.Cache.SuitabilityTTLH)*time.Hour)
	snappingCache := cache.New[models.SnappingResult]("snapping", snappingStore,
		time.Duration(cfg.Cache.SnappingTTLH)*time.Hour)

	// --- Geodata provider ---
	provider := buildProvider(cfg, log)
	zapLog.Info("Geodata provider configured", zap.String("provider", provider.Name()))

	// --- Pipeline services ---
	validator, err := vs.NewValidator(provider, suitabilityCache, vs.OptionsFromApp(cfg), log)
	if err != nil {
		zapLog.Fatal("failed to create validator", zap.Error(err))
	}
	snapper, err := si.NewSnapper(provider, snappingCache, si.OptionsFromApp(cfg), log)
	if err != nil {
		zapLog.Fatal("failed to create snapper", zap.Error(err))
	}

	calcOpts := cs.OptionsFromApp(cfg)
	calcOpts.Logger = log
	calculator := cs.NewPool(cs.PoolSizeFromApp(cfg), calcOpts)
	defer calculator.Close()

	repo := orchestrator.NewPostgresRepository(pg.DB)
	orch, err := orchestrator.New(orchestrator.Options{
		Repository: repo,
		Rates:      ge.RatesFromApp(cfg),
		Logger:     log,
	})
	if err != nil {
		zapLog.Fatal("failed to create orchestrator", zap.Error(err))
	}

	runnerOpts := ge.RunnerOptions{
		Jobs:          repo,
		Validator:     validator,
		Snapper:       snapper,
		Calculator:    calculator,
		Observability: obs,
		Rates:         orch.Rates(),
		ModelVersion:  cfg.Scoring.ModelVersion,
		Logger:        log,
	}
	if cfg.Jobs.CandidatesDatasetURL != "" {
		source, err := ge.NewDatasetCandidateSource(cfg.Jobs.CandidatesDatasetURL, config.GetDuration(cfg.ClientCache.RequestTimeout))
		if err != nil {
			zapLog.Fatal("failed to create candidate source", zap.Error(err))
		}
		runnerOpts.Candidates = source
	}
	if cfg.Rationale.Enabled {
		client, err := rationale.NewClient(rationale.Config{
			BaseURL:    cfg.Rationale.BaseURL,
			APIKey:     cfg.Rationale.APIKey,
			Timeout:    config.GetDuration(cfg.Rationale.Timeout),
			MaxRetries: 2,
		}, log)
		if err != nil {
			zapLog.Fatal("failed to create rationale client", zap.Error(err))
		}
		runnerOpts.Rationale = client
	}
	if sns := cfg.Notifications.SNS; sns.Enabled {
		topic := sns.TopicARN
		if topic == "" {
			topic = cfg.Jobs.StatusTopicARN
		}
		notifier, err := aws.NewSNSNotifier(ctx, sns.Region, topic, log)
		if err != nil {
			zapLog.Fatal("failed to create sns notifier", zap.Error(err))
		}
		runnerOpts.Notifier = notifier
	}

	runner, err := ge.NewRunner(runnerOpts)
	if err != nil {
		zapLog.Fatal("failed to create runner", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Dispatch ---
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		zeebe, err = camunda.Connect(ctx, camunda.ConfigFromApp(cfg.Camunda), log)
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()
		zapLog.Info("Zeebe client connected successfully")

		workers := registerWorkers(cfg, zeebe, validator, snapper, calculator, runner, log, zapLog)
		defer func() {
			for _, w := range workers {
				w.Close()
			}
		}()
	}
	if cfg.Jobs.Dispatch == "poll" {
		poller := ge.NewPoller(repo, runner, ge.PollIntervalFromApp(cfg),
			config.GetDuration(cfg.Jobs.ExecutionTimeout), log)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
		zapLog.Info("Polling dispatcher started")
	}

	// --- Background maintenance ---
	g.Go(func() error {
		orch.RunCleanupLoop(gctx, config.GetDuration(cfg.Jobs.CleanupInterval), cfg.Jobs.RetentionHours)
		return nil
	})
	g.Go(func() error {
		runPurgeLoop(gctx, time.Duration(cfg.Cache.PurgeIntervalMin)*time.Minute, zapLog,
			suitabilityCache.PurgeExpired, snappingCache.PurgeExpired)
		return nil
	})

	// --- Client store cache ---
	var stores api.StoreService
	if cfg.ClientCache.Enabled {
		loader, closeSQLite := buildStoreLoader(ctx, cfg, log, zapLog)
		defer closeSQLite()
		defer loader.Wait()
		stores = loader
	}

	// --- HTTP API ---
	server := api.NewServer(api.Options{
		Jobs:        orch,
		Suitability: validator,
		Snapping:    snapper,
		Stores:      stores,
		Ready: func(ctx context.Context) error {
			return pg.Ping(ctx)
		},
		Logger: log,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	<-gctx.Done()
	zapLog.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}
	stop()

	if err := g.Wait(); err != nil {
		zapLog.Error("Expansion manager stopped with error", zap.Error(err))
		return
	}
	zapLog.Info("Expansion manager stopped gracefully")
}

func buildCacheStores(ctx context.Context, cfg *config.Config, pg *database.PostgresClient, zapLog *zap.Logger) (cache.Store, cache.Store, func()) {
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemoryStore(), cache.NewMemoryStore(), func() {}

	case "redis":
		var rc *database.RedisClient
		err := retryWithBackoff(func() error {
			var err error
			rc, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rc.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		zapLog.Info("Redis connected successfully")
		prefix := cfg.Cache.RedisKeyPrefix
		return cache.NewRedisStore(rc.Client, prefix+":suitability"),
			cache.NewRedisStore(rc.Client, prefix+":snapping"),
			func() { rc.Close() }

	default:
		suitability, err := cache.NewPostgresStore(pg.DB, "suitability_cache")
		if err != nil {
			zapLog.Fatal("suitability cache store failed", zap.Error(err))
		}
		snapping, err := cache.NewPostgresStore(pg.DB, "snapping_cache")
		if err != nil {
			zapLog.Fatal("snapping cache store failed", zap.Error(err))
		}
		return suitability, snapping, func() {}
	}
}

func buildProvider(cfg *config.Config, log logger.Logger) geodata.Provider {
	httpClient := commonhttp.NewRateLimitedClient(config.GetDuration(cfg.Geodata.Timeout),
		cfg.Geodata.RateLimit, cfg.Geodata.Burst)

	if cfg.Geodata.Provider == "overpass" {
		return geodata.NewOverpassClient(cfg.Geodata.OverpassURL, httpClient, log)
	}
	return geodata.NewTilequeryClient(geodata.TilequeryConfig{
		BaseURL:     cfg.Geodata.BaseURL,
		Tileset:     cfg.Geodata.Tileset,
		AccessToken: cfg.Geodata.AccessToken,
	}, httpClient, log)
}

func registerWorkers(
	cfg *config.Config,
	client *camunda.Client,
	validator *vs.Validator,
	snapper *si.Snapper,
	calculator *cs.Pool,
	runner *ge.Runner,
	log logger.Logger,
	zapLog *zap.Logger,
) []*camunda.Worker {
	var workers []*camunda.Worker

	vsHandler, err := vs.NewHandler(vs.HandlerOptions{AppConfig: cfg, Validator: validator, Logger: log})
	if err != nil {
		zapLog.Fatal("failed to create validate-suitability handler", zap.Error(err))
	}
	if vsHandler.IsEnabled() {
		workers = append(workers, vsHandler.Register(client))
	}

	siHandler, err := si.NewHandler(si.HandlerOptions{AppConfig: cfg, Snapper: snapper, Logger: log})
	if err != nil {
		zapLog.Fatal("failed to create snap-infrastructure handler", zap.Error(err))
	}
	if siHandler.IsEnabled() {
		workers = append(workers, siHandler.Register(client))
	}

	csHandler, err := cs.NewHandler(cs.HandlerOptions{AppConfig: cfg, Calculator: calculator, Logger: log})
	if err != nil {
		zapLog.Fatal("failed to create calculate-suggestions handler", zap.Error(err))
	}
	if csHandler.IsEnabled() {
		workers = append(workers, csHandler.Register(client))
	}

	geHandler, err := ge.NewHandler(ge.HandlerOptions{AppConfig: cfg, Runner: runner, Logger: log})
	if err != nil {
		zapLog.Fatal("failed to create generate-expansion handler", zap.Error(err))
	}
	if geHandler.IsEnabled() {
		workers = append(workers, geHandler.Register(client))
	}

	for _, w := range workers {
		zapLog.Info("worker started", zap.String("taskType", w.TaskType()))
	}
	return workers
}

func buildStoreLoader(ctx context.Context, cfg *config.Config, log logger.Logger, zapLog *zap.Logger) (*clientcache.Loader, func()) {
	sqlite, err := database.NewSQLite(cfg.Database.SQLite.Path)
	if err != nil {
		zapLog.Fatal("sqlite open failed", zap.Error(err))
	}

	storeCache := clientcache.NewSQLiteCache(sqlite.DB, time.Duration(cfg.ClientCache.StaleAfterH)*time.Hour)
	if err := storeCache.Initialize(ctx); err != nil {
		zapLog.Fatal("store cache schema failed", zap.Error(err))
	}

	fetcher, err := clientcache.NewHTTPDatasetFetcher(cfg.ClientCache.DatasetURL, config.GetDuration(cfg.ClientCache.RequestTimeout))
	if err != nil {
		zapLog.Fatal("store dataset fetcher failed", zap.Error(err))
	}

	loader, err := clientcache.NewLoader(clientcache.LoaderOptions{
		Cache:    storeCache,
		Fetcher:  fetcher,
		LockPath: cfg.ClientCache.LockPath,
		Logger:   log,
	})
	if err != nil {
		zapLog.Fatal("store loader failed", zap.Error(err))
	}

	// warm a stale or empty cache without holding up startup
	if stale, err := storeCache.IsStale(ctx); err == nil && stale {
		loader.RefreshInBackground()
	}
	zapLog.Info("Client store cache ready", zap.String("path", sqlite.Path))
	return loader, func() { sqlite.Close() }
}

func runPurgeLoop(ctx context.Context, interval time.Duration, zapLog *zap.Logger, purges ...func(context.Context) (int64, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, purge := range purges {
				n, err := purge(ctx)
				if err != nil {
					zapLog.Warn("cache purge failed", zap.Error(err))
					continue
				}
				if n > 0 {
					zapLog.Info("expired cache entries purged", zap.Int64("count", n))
				}
			}
		}
	}
}
