// Command consumer mirrors delivery positions from Kafka into Redis GEO and
// the deliveries table, so dashboards and other services can read them
// without going through the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/agromatch/internal/config"
	"github.com/example/agromatch/internal/ingest"
	"github.com/example/agromatch/internal/logging"
	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/storage"
)

var (
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writeback_redis_updates_total",
		Help: "Total successful redis position writes",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writeback_redis_errors_total",
		Help: "Total redis position writes that failed after retries",
	})
	pgErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writeback_postgres_errors_total",
		Help: "Total postgres position writes that failed",
	})
)

func init() {
	prometheus.MustRegister(redisUpdates, redisErrors, pgErrors)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadDotEnv()
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return err
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger("writeback", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	var positions positionStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		positions = pg
	}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	w := &writer{
		redis:    &redisAdapter{c: rc},
		store:    positions,
		geoKey:   cfg.RedisGeoKey,
		attempts: cfg.RetryAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
	}
	c := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, w.handle, logger)
	defer c.Close()

	logger.Info("writeback_started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	return c.Run(ctx)
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics_listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics_server_stopped", "error", err)
	}
}

// RedisUpdater is the subset of redis operations the write-back needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

type positionStore interface {
	UpdatePosition(ctx context.Context, orderID string, pos models.GeoPoint, at time.Time) error
}

type writer struct {
	redis    RedisUpdater
	store    positionStore
	geoKey   string
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (w *writer) handle(ctx context.Context, u models.PositionUpdate) error {
	if err := u.Point().Validate(); err != nil {
		return fmt.Errorf("position for %s: %w: %w", u.OrderID, models.ErrInvalidCriteria, err)
	}
	if err := updateRedisWithRetry(ctx, w.redis, w.geoKey, u, w.attempts, w.delay); err != nil {
		redisErrors.Inc()
		return fmt.Errorf("redis write for %s: %w", u.OrderID, err)
	}
	redisUpdates.Inc()
	if w.store != nil {
		if err := w.store.UpdatePosition(ctx, u.OrderID, u.Point(), u.Timestamp); err != nil {
			pgErrors.Inc()
			return fmt.Errorf("postgres write for %s: %w", u.OrderID, err)
		}
	}
	return nil
}

// updateRedisWithRetry stores the courier position under the GEO key and
// the raw fix under delivery:pos:<order>, retrying with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, u models.PositionUpdate, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: u.Lon, Latitude: u.Lat, Name: u.OrderID})
		if err != nil {
			continue
		}
		err = rc.HSet(ctx, "delivery:pos:"+u.OrderID, map[string]interface{}{
			"lat": u.Lat,
			"lon": u.Lon,
			"at":  u.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			return nil
		}
	}
	return err
}
