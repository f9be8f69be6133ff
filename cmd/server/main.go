// Command server runs the marketplace API: matching, map clustering,
// routing and live delivery tracking.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/agromatch/internal/cluster"
	"github.com/example/agromatch/internal/config"
	"github.com/example/agromatch/internal/dispatch"
	"github.com/example/agromatch/internal/geo"
	httpapi "github.com/example/agromatch/internal/http"
	"github.com/example/agromatch/internal/ingest"
	"github.com/example/agromatch/internal/logging"
	"github.com/example/agromatch/internal/matcher"
	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/routing"
	"github.com/example/agromatch/internal/storage"
	"github.com/example/agromatch/internal/tracking"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadDotEnv()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLogger("agromatch", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var users httpapi.UserDirectory
	var deliveries storage.DeliveryStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration_applied", "file", "001_init.sql")
		}
		pool, err := storage.NewPool(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		users = storage.NewPostgresCandidates(pool)
		deliveries = pg
		checks = append(checks, pg.Ping, pool.Ping)
	} else {
		deliveries = storage.NewMemoryStore()
		if rc != nil {
			users = geo.NewRedisGeoFromClient(rc, cfg.RedisGeoKey).WithLogger(logger)
		} else {
			users = geo.NewIndex()
		}
	}

	var cache routing.Cache = routing.NewMemoryCache(cfg.RouteCacheTTL)
	if rc != nil {
		cache = routing.NewRedisCache(rc, cfg.RouteCacheTTL, logger)
	}
	router := routing.NewRouter(routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.RouteTimeout), cache, logger)

	tracker := tracking.NewTracker(router, deliveries, logger)
	active, err := deliveries.Active(ctx)
	if err != nil {
		return fmt.Errorf("load active deliveries: %w", err)
	}
	logger.Info("deliveries_restored", "count", tracker.Restore(active))

	snapshot, err := cluster.NewSnapshot(cluster.Options{
		Radius:    float64(cfg.ClusterRadiusPx),
		Extent:    512,
		MinZoom:   0,
		MaxZoom:   cfg.ClusterMaxZoom,
		MinPoints: cfg.ClusterMinPoints,
	})
	if err != nil {
		return err
	}
	go refreshClusters(ctx, snapshot, users, cfg.ClusterRefreshInterval, logger)

	var publisher httpapi.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer

		consumer := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, func(ctx context.Context, u models.PositionUpdate) error {
			_, err := tracker.Apply(ctx, u)
			return err
		}, logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("consumer_failed", "error", err)
			}
		}()
	}

	hub := dispatch.NewHub(logger)
	srv := httpapi.NewServer(httpapi.Deps{
		Users:            users,
		Matcher:          &matcher.Service{Source: users, Logger: logger, TopN: cfg.MatcherTopN, FetchRadiusKm: cfg.MatcherDefaultRadiusKm},
		Clusters:         snapshot,
		Router:           router,
		Tracker:          tracker,
		Hub:              hub,
		Stream:           dispatch.NewETAStream(hub, tracker, cfg.ETAThrottleN, cfg.ETAThrottleInterval, cfg.FallbackSpeedMps, logger),
		Publisher:        publisher,
		FallbackSpeedMps: cfg.FallbackSpeedMps,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// refreshClusters rebuilds the map snapshot from the user directory until
// ctx ends. A failed rebuild keeps the previous snapshot.
func refreshClusters(ctx context.Context, snap *cluster.Snapshot, users httpapi.UserDirectory, every time.Duration, logger *slog.Logger) {
	rebuild := func() {
		all, err := users.All(ctx)
		if err != nil {
			logger.Warn("cluster_refresh_failed", "error", err)
			return
		}
		idx, err := snap.Rebuild(cluster.PointsFromProfiles(all))
		if err != nil {
			logger.Error("cluster_rebuild_failed", "error", err)
			return
		}
		logger.Debug("cluster_rebuilt", "points", idx.Len())
	}
	rebuild()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rebuild()
		}
	}
}
