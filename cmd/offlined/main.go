package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"medsync/internal/bridge"
	"medsync/internal/cache"
	"medsync/internal/config"
	"medsync/internal/database"
	"medsync/internal/events"
	"medsync/internal/interceptor"
	"medsync/internal/logging"
	"medsync/internal/metrics"
	"medsync/internal/netstate"
	"medsync/internal/page"
	"medsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	cacheStore, err := initCache(cfg, redisClient, &logger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	monitor := netstate.NewMonitor(true, bus, &logger)
	upstreamClient := &http.Client{Timeout: cfg.Sync.RequestTimeout}

	store := database.NewStore(cfg.Database.Path,
		database.WithMaxRetries(cfg.Sync.MaxRetries),
		database.WithLogger(&logger),
	)
	defer store.Close()

	syncer, err := initSyncer(cfg, store, upstreamClient, monitor, redisClient, &logger)
	if err != nil {
		return err
	}

	hub := bridge.NewHub(cfg.Bridge, &logger)
	icpt, err := interceptor.New(interceptor.ConfigFrom(cfg), cacheStore, hub,
		interceptor.WithClient(upstreamClient),
		interceptor.WithEventBus(bus),
		interceptor.WithStateReporter(monitor),
		interceptor.WithLogger(&logger),
	)
	if err != nil {
		return fmt.Errorf("create interceptor: %w", err)
	}

	stopBackgroundSync := interceptor.NewBackgroundSync(bus, hub, &logger).Start()
	defer stopBackgroundSync()

	pageRuntime := page.New(store, syncer, hub.NewLocalPeer(cfg.Bridge.OutboxSize), bus, monitor,
		page.WithIndicatorInterval(cfg.Page.IndicatorInterval),
		page.WithHooks(pageHooks(cfg, &logger)),
		page.WithLogger(&logger),
	)
	if err := pageRuntime.Start(ctx); err != nil {
		return err
	}

	startMetrics(ctx, cfg, &logger)
	go database.NewBackupService(store, cfg.Backup, &logger).Start(ctx)
	go hub.Run(ctx)

	probeURL := strings.TrimSuffix(cfg.Upstream.BaseURL, "/") + cfg.Upstream.HealthPath
	go netstate.NewProber(monitor, upstreamClient, probeURL, cfg.Upstream.ProbeInterval, &logger).Run(ctx)

	if err := icpt.Install(ctx); err != nil {
		logger.Warn().Err(err).Msg("precache incomplete, continuing with network only")
	}
	if _, err := icpt.Activate(ctx); err != nil {
		logger.Error().Err(err).Msg("activate interceptor")
	}

	server := interceptor.NewServer(cfg.Interceptor.Port, icpt, &logger).WithBridge(cfg.Bridge.Path, hub)
	server.Handle("/__medsync/status", pageRuntime.StatusHandler())

	return serve(ctx, server, pageRuntime, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "offlined-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := cache.NewRedisClient(cfg.Redis)
	if err := cache.Ping(ctx, redisClient); err != nil {
		// The failover backend copes with Redis appearing later.
		logger.Warn().Err(err).Msg("redis connection failed")
		if cfg.Cache.Backend != "failover" {
			_ = redisClient.Close()
			return nil
		}
		return redisClient
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initCache(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("cache backend redis: redis unavailable")
		}
		return cache.NewRedisStore(redisClient, cfg.Cache.KeyPrefix), nil
	case "failover":
		if redisClient == nil {
			logger.Warn().Msg("cache backend failover without redis, using memory")
			return cache.NewMemoryStore(), nil
		}
		return cache.NewFailoverStore(cache.NewRedisStore(redisClient, cfg.Cache.KeyPrefix), cache.NewMemoryStore(), logger), nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

func initSyncer(
	cfg *config.Config,
	store *database.Store,
	client *http.Client,
	monitor *netstate.Monitor,
	redisClient *redis.Client,
	logger *zerolog.Logger,
) (*worker.Syncer, error) {
	syncCfg := worker.SyncerConfig{
		BaseURL:           cfg.Upstream.BaseURL,
		MaxRetries:        cfg.Sync.MaxRetries,
		Interval:          cfg.Sync.Interval,
		ClientErrorPolicy: cfg.Sync.ClientErrorPolicy,
		RPS:               cfg.Sync.RPS,
		Burst:             cfg.Sync.Burst,
	}
	if cfg.Sync.ClientErrorPolicy == config.ClientErrorDeadLetter {
		if redisClient == nil {
			return nil, errors.New("client_error_policy deadletter: redis unavailable")
		}
		syncCfg.DeadLetter = worker.NewRedisDeadLetter(redisClient, cfg.Sync.DeadLetterKey)
	}

	syncer, err := worker.NewSyncer(store, client, monitor, syncCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create syncer: %w", err)
	}
	return syncer, nil
}

func pageHooks(cfg *config.Config, logger *zerolog.Logger) page.Hooks {
	return page.Hooks{
		Reload: func() {
			logger.Info().Msg("interceptor took control of pages")
		},
		Confirm: func(version string) bool {
			logger.Info().Str("version", version).Bool("accepted", cfg.Page.AutoAcceptUpdates).Msg("interceptor update available")
			return cfg.Page.AutoAcceptUpdates
		},
		Indicator: func(st page.Status) {
			logger.Info().Bool("online", st.Online).Int("pending", st.Pending).Msg("pending changes")
		},
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(ctx context.Context, server *interceptor.Server, pageRuntime *page.Runtime, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("interceptor server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := pageRuntime.Wait(); err != nil {
		logger.Warn().Err(err).Msg("page runtime stopped with error")
	}
	logger.Info().Msg("offlined stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
