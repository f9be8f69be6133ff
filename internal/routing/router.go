package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/observability"
)

// Router fronts a Provider with input validation and a cache. Only
// successful routes are cached; failures are always returned to the caller.
type Router struct {
	Provider Provider
	Cache    Cache
	Logger   *slog.Logger
}

func NewRouter(p Provider, c Cache, logger *slog.Logger) *Router {
	return &Router{Provider: p, Cache: c, Logger: logger}
}

func (r *Router) Route(ctx context.Context, start, end models.GeoPoint) (models.RouteResult, error) {
	if err := start.Validate(); err != nil {
		return models.RouteResult{}, fmt.Errorf("route start: %w: %w", models.ErrInvalidCriteria, err)
	}
	if err := end.Validate(); err != nil {
		return models.RouteResult{}, fmt.Errorf("route end: %w: %w", models.ErrInvalidCriteria, err)
	}
	if err := ctx.Err(); err != nil {
		return models.RouteResult{}, err
	}

	if r.Cache != nil {
		if route, ok := r.Cache.Get(ctx, start, end); ok {
			observability.RouteCacheHits.Inc()
			observability.RouteRequests.WithLabelValues("cache").Inc()
			return route, nil
		}
		observability.RouteCacheMisses.Inc()
	}

	began := time.Now()
	route, err := r.Provider.Route(ctx, start, end)
	observability.RouteLatency.Observe(time.Since(began).Seconds())
	if err != nil {
		observability.RouteRequests.WithLabelValues(outcome(err)).Inc()
		if r.Logger != nil {
			r.Logger.Warn("route_failed", "error", err, "duration_ms", time.Since(began).Milliseconds())
		}
		return models.RouteResult{}, err
	}
	// a result computed for an abandoned call is not shared
	if ctx.Err() != nil {
		return models.RouteResult{}, ctx.Err()
	}
	observability.RouteRequests.WithLabelValues("ok").Inc()
	if r.Cache != nil {
		r.Cache.Set(ctx, start, end, route)
	}
	return route, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, models.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, models.ErrRouteUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
