package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/config"
	httphandler "github.com/kjstillabower/forecast-viewer/internal/http"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/render"
	"github.com/kjstillabower/forecast-viewer/internal/service"
	"github.com/kjstillabower/forecast-viewer/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		Name:             "forecast_api",
		IsFailure:        client.IsUpstreamFault,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues("forecast_api").Set(float64(circuitbreaker.StateClosed))

	var outbound *rate.Limiter
	if cfg.ProviderRateLimitRPS > 0 {
		outbound = rate.NewLimiter(rate.Limit(cfg.ProviderRateLimitRPS), cfg.ProviderRateLimitBurst)
	}
	forecastClient, err := client.New(cfg.Provider, client.Options{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.APIURL,
		Timeout:        cfg.APITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Location:       cfg.Location,
		Breaker:        breaker,
		Limiter:        outbound,
	})
	if err != nil {
		logger.Fatal("forecast client", zap.Error(err))
	}
	logger.Info("forecast provider",
		zap.String("provider", forecastClient.Provider()),
		zap.Int("max_days", forecastClient.MaxDays()),
		zap.String("timezone", cfg.Location.String()))

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case config.CacheMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.CacheStaleTTL)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.CacheStaleTTL)
		logger.Info("cache backend: in_memory")
	}

	loc := cfg.Location
	forecastService := service.NewForecastService(forecastClient, cacheSvc, service.Config{
		TTL:      cfg.CacheTTL,
		StaleTTL: cfg.CacheStaleTTL,
		Coalesce: cfg.Coalesce,
		Now:      func() time.Time { return time.Now().In(loc) },
	})

	pages, err := render.NewHTML(cfg.Location)
	if err != nil {
		logger.Fatal("templates", zap.Error(err))
	}

	tracker := traffic.NewTracker(traffic.DefaultRetention)
	healthConfig := httphandler.HealthConfig{
		DegradedWindow:     cfg.DegradedWindow,
		DegradedErrorPct:   cfg.DegradedErrorPct,
		DegradedMinSamples: cfg.DegradedMinSamples,
		KeyCheckInterval:   cfg.KeyCheckInterval,
		BreakerState:       breaker.State,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	handler := httphandler.NewHandler(forecastService, forecastClient, pages, tracker, httphandler.Config{
		DefaultLocation: cfg.DefaultLocation,
		DefaultDays:     cfg.DefaultDays,
		Version:         cfg.Version,
		Health:          healthConfig,
	}, logger)

	observability.RegisterWindowGauges(
		func() float64 { return float64(tracker.RequestCount(cfg.DegradedWindow)) },
		func() float64 { return float64(tracker.DenialCount(cfg.DegradedWindow)) },
	)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	if len(cfg.WarmLocations) > 0 {
		warmer := cache.NewWarmer(forecastService, logger)
		go func() {
			if cfg.WarmInterval <= 0 {
				if err := warmer.Warm(warmCtx, cfg.WarmLocations); err != nil {
					logger.Warn("cache warming failed", zap.Error(err))
				}
				return
			}
			if err := warmer.WarmPeriodic(warmCtx, cfg.WarmLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	var static fs.FS
	if cfg.StaticDir != "" {
		static = os.DirFS(cfg.StaticDir)
		logger.Info("serving static assets from disk", zap.String("dir", cfg.StaticDir))
	}
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		InFlight:       inFlight,
		Static:         static,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	if cfg.ShutdownDrainDelay > 0 {
		logger.Info("draining", zap.Duration("delay", cfg.ShutdownDrainDelay))
		time.Sleep(cfg.ShutdownDrainDelay)
	}
	warmCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	if err := inFlight.WaitForZero(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
