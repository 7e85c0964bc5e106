package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

// Fetcher is implemented by the service layer to fetch and cache a forecast.
// Used by Warmer to avoid a circular dependency on the service package.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (models.Forecast, error)
}

// maxConcurrentWarm bounds the upstream calls a warm pass makes at once.
const maxConcurrentWarm = 4

// Warmer prefetches forecasts for a list of locations so first requests hit the cache.
type Warmer struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewWarmer creates a Warmer. The fetcher decides how many days a cached entry covers.
func NewWarmer(fetcher Fetcher, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every location concurrently. A failing location does not stop the others;
// all failures are joined into the returned error.
func (w *Warmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWarm)
	for _, loc := range locations {
		g.Go(func() error {
			if _, err := w.fetcher.Fetch(gctx, loc); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, locations []string, interval time.Duration) error {
	if err := w.Warm(ctx, locations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
