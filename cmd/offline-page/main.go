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
	"medsync/internal/config"
	"medsync/internal/database"
	"medsync/internal/events"
	"medsync/internal/logging"
	"medsync/internal/netstate"
	"medsync/internal/page"
	"medsync/internal/worker"

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
	if cfg.Bridge.URL == "" {
		return errors.New("bridge.url is required for a standalone page")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	endpoint, err := bridge.Dial(dialCtx, cfg.Bridge.URL, nil)
	cancelDial()
	if err != nil {
		return err
	}
	defer endpoint.Close()
	logger.Info().Str("url", cfg.Bridge.URL).Msg("bridge connected")

	bus := events.NewEventBus()
	monitor := netstate.NewMonitor(true, bus, &logger)
	upstreamClient := &http.Client{Timeout: cfg.Sync.RequestTimeout}

	store := database.NewStore(cfg.Database.Path,
		database.WithMaxRetries(cfg.Sync.MaxRetries),
		database.WithLogger(&logger),
	)
	defer store.Close()

	// Terminal rejections are dropped here; dead lettering lives with offlined.
	syncer, err := worker.NewSyncer(store, upstreamClient, monitor, worker.SyncerConfig{
		BaseURL:    cfg.Upstream.BaseURL,
		MaxRetries: cfg.Sync.MaxRetries,
		Interval:   cfg.Sync.Interval,
		RPS:        cfg.Sync.RPS,
		Burst:      cfg.Sync.Burst,
	}, &logger)
	if err != nil {
		return fmt.Errorf("create syncer: %w", err)
	}

	pageRuntime := page.New(store, syncer, endpoint, bus, monitor,
		page.WithIndicatorInterval(cfg.Page.IndicatorInterval),
		page.WithHooks(page.Hooks{
			Reload: func() { logger.Info().Msg("interceptor took control of pages") },
			Confirm: func(version string) bool {
				return cfg.Page.AutoAcceptUpdates
			},
			Indicator: func(st page.Status) {
				logger.Info().Bool("online", st.Online).Int("pending", st.Pending).Msg("pending changes")
			},
		}),
		page.WithLogger(&logger),
	)
	if err := pageRuntime.Start(ctx); err != nil {
		return err
	}

	probeURL := strings.TrimSuffix(cfg.Upstream.BaseURL, "/") + cfg.Upstream.HealthPath
	go netstate.NewProber(monitor, upstreamClient, probeURL, cfg.Upstream.ProbeInterval, &logger).Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/__medsync/status", pageRuntime.StatusHandler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Page.StatusPort), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
			stop()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case <-pageRuntime.Disconnected():
		logger.Warn().Msg("bridge connection lost, stopping page")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return pageRuntime.Wait()
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
	logger := baseLogger.With().Str("component", "page-main").Logger()

	return cfg, logger, closer, nil
}
