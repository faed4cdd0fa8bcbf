package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessiond/internal/api"
	"github.com/shehryarbajwa/sessiond/internal/checkpoint"
	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/internal/driver"
	"github.com/shehryarbajwa/sessiond/internal/event"
	"github.com/shehryarbajwa/sessiond/internal/proxy"
	"github.com/shehryarbajwa/sessiond/internal/ratelimit"
	"github.com/shehryarbajwa/sessiond/internal/recovery"
	"github.com/shehryarbajwa/sessiond/internal/session"
	"github.com/shehryarbajwa/sessiond/internal/store"
)

func main() {
	// The .env file is optional; the environment is authoritative.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().
			Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg.Logging)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("store", cfg.Store.Driver).
		Str("driver", cfg.Driver.Backend).
		Msg("starting sessiond")

	st, err := store.Open(cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer st.Close()

	checkpoints, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open checkpoint store")
	}

	drivers, closeDrivers, err := buildDrivers(cfg.Driver, checkpoints, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize browser backend")
	}
	defer closeDrivers()

	metrics := event.NewMetrics(prometheus.DefaultRegisterer)
	broadcaster := event.NewBroadcaster()
	recorder := event.NewRecorder(logger, metrics, broadcaster)

	registry := session.NewRegistry()
	manager := session.NewManager(st, drivers, registry, recorder, logger, cfg.Limits, cfg.Driver.SpinTimeout)

	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	monitor := session.NewMonitor(manager, cfg.Liveness, logger)
	go monitor.Run(bg)

	coordinator := recovery.NewCoordinator(st, drivers, manager, recorder, cfg.Recovery, logger)
	go func() {
		if _, err := coordinator.Run(bg); err != nil {
			logger.Error().Err(err).Msg("startup recovery run failed")
		}
		if cfg.Recovery.Interval > 0 {
			coordinator.RunPeriodic(bg, cfg.Recovery.Interval)
		}
	}()

	limiter := ratelimit.NewLimiter(cfg.Limits.RequestsPerHour, cfg.Limits.Burst)
	liveProxy := proxy.NewServer(manager, logger)
	handler := api.NewHandler(manager, st, logger)
	router := handler.SetupRoutes(liveProxy, broadcaster, limiter, metrics, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
		// No WriteTimeout: the event feed and live-view sockets are
		// long-lived responses.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	stopBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	// Handles are released but their records stay ACTIVE in the store,
	// so the next boot's recovery run resumes them from checkpoints.
	released := manager.Shutdown(shutdownCtx)
	logger.Info().Int("releasedHandles", released).Msg("stopped")
}

func buildDrivers(cfg config.DriverConfig, checkpoints *checkpoint.Store, logger zerolog.Logger) (*driver.Set, func(), error) {
	switch cfg.Backend {
	case "docker":
		d, err := driver.NewDocker(cfg.DockerImage, checkpoints)
		if err != nil {
			return nil, nil, err
		}
		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := d.EnsureImage(pullCtx); err != nil {
			_ = d.Close()
			return nil, nil, err
		}
		logger.Info().Str("image", cfg.DockerImage).Msg("browser image ready")
		return driver.NewSet(d), func() { _ = d.Close() }, nil
	case "playwright":
		p := driver.NewPlaywright(cfg.Headless, checkpoints)
		return driver.NewSet(p), func() { _ = p.Close() }, nil
	case "fake":
		return driver.NewSet(driver.NewFake()), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown browser driver %q", cfg.Backend)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
