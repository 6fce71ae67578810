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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/config"
	"github.com/vnmchuo/usage-ledger/internal/api"
	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/catalog"
	"github.com/vnmchuo/usage-ledger/internal/metrics"
	"github.com/vnmchuo/usage-ledger/internal/notify"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
	"github.com/vnmchuo/usage-ledger/internal/seeder"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
	"github.com/vnmchuo/usage-ledger/pkg/ratelimit"
)

func newServeCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP billing service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", os.Getenv("RUN_SEED") == "true", "seed development fixtures on start")
	return cmd
}

func runServe(seed bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if seed {
		if err := seeder.Seed(ctx, b.registrar, b.balances, seeder.DefaultFixture(), logger); err != nil {
			return err
		}
		if cfg.AuthEnabled {
			if err := seeder.SeedAPIKey(ctx, b.keys, seeder.TestOrgID, seeder.TestAPIKey, logger); err != nil {
				return err
			}
		}
	}

	// Reference data. A missing or invalid catalog at start is fatal; later
	// reload failures keep the previous snapshot.
	holder := catalog.NewHolder(nil)
	watcher := catalog.NewWatcher(cfg.CatalogPath, holder, logger)
	if err := watcher.Reload(); err != nil {
		return err
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("catalog watcher stopped", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var limiter ratelimit.Limiter
	var publisher notify.Publisher
	if b.rdb != nil {
		limiter = ratelimit.NewRedisLimiter(b.rdb, cfg.RateLimitWindow, cfg.RateLimitRetryAfter)
		publisher = notify.NewRedisPublisher(b.rdb, cfg.NotifyChannel)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitWindow, cfg.RateLimitRetryAfter)
		publisher = notify.NewLogPublisher(logger)
	}

	dispatcher := notify.NewDispatcher(publisher, logger,
		notify.WithDropHook(func(notify.Event) { m.NotificationsDropped.Inc() }),
	)
	defer func() { _ = dispatcher.Close() }()

	engine := billing.NewEngine(billing.Deps{
		Store:     b.store,
		Directory: b.directory,
		Limiter:   limiter,
		Catalog:   holder,
		Notifier:  dispatcher,
		Metrics:   m,
		Tracer:    otel.GetTracerProvider().Tracer(serviceName),
		Logger:    logger,
	}, engineConfig(cfg))

	var authenticate func(http.Handler) http.Handler
	if cfg.AuthEnabled {
		var cache redis.Cmdable
		if b.rdb != nil {
			cache = b.rdb
		}
		authenticate = auth.NewMiddleware(b.keys, cache, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewHandler(engine, logger), reg, authenticate),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.CallTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("usage ledger starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend), zap.Bool("auth", cfg.AuthEnabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func engineConfig(cfg *config.Config) billing.Config {
	return billing.Config{
		MaxUnitsPerCall:     cfg.MaxUnitsPerCall,
		MaxCostPerCall:      cfg.MaxCostPerCall,
		LowBalanceThreshold: cfg.LowBalanceThreshold,
		CallTimeout:         cfg.CallTimeout,
		DefaultLimits: catalog.RateLimit{
			CallsPerWindow: cfg.DefaultCallsPerWindow,
			UnitsPerWindow: cfg.DefaultUnitsPerWindow,
		},
		Fallback: pricing.Price{
			InputPer1K:  cfg.FallbackInputPrice,
			OutputPer1K: cfg.FallbackOutputPrice,
		},
	}
}
