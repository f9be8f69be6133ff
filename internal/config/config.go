package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	OSRMEndpoint     string
	RouteTimeout     time.Duration
	RouteCacheTTL    time.Duration
	FallbackSpeedMps float64

	MatcherTopN            int
	MatcherDefaultRadiusKm float64

	ClusterRadiusPx        int
	ClusterMaxZoom         int
	ClusterMinPoints       int
	ClusterRefreshInterval time.Duration

	ETAThrottleN        int
	ETAThrottleInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisGeoKey:            "users_geo",
		KafkaTopic:             "delivery-positions",
		KafkaGroup:             "agromatch-tracker",
		OSRMEndpoint:           "https://router.project-osrm.org",
		RouteTimeout:           5 * time.Second,
		RouteCacheTTL:          2 * time.Minute,
		FallbackSpeedMps:       8,
		MatcherTopN:            20,
		MatcherDefaultRadiusKm: 50,
		ClusterRadiusPx:        60,
		ClusterMaxZoom:         16,
		ClusterMinPoints:       2,
		ClusterRefreshInterval: 30 * time.Second,
		ETAThrottleN:           5,
		ETAThrottleInterval:    15 * time.Second,
		LogLevel:               "info",
	}
}

// LoadDotEnv loads a .env file from the working directory when present.
// It reports whether a file was loaded.
func LoadDotEnv() bool {
	return godotenv.Load() == nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.FallbackSpeedMps, "FALLBACK_SPEED_MPS", &errs)

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.MatcherDefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", &errs)

	setIntFromEnv(&cfg.ClusterRadiusPx, "CLUSTER_RADIUS_PX", &errs)
	setIntFromEnv(&cfg.ClusterMaxZoom, "CLUSTER_MAX_ZOOM", &errs)
	setIntFromEnv(&cfg.ClusterMinPoints, "CLUSTER_MIN_POINTS", &errs)
	setDurationFromEnv(&cfg.ClusterRefreshInterval, "CLUSTER_REFRESH_INTERVAL", &errs)

	setIntFromEnv(&cfg.ETAThrottleN, "ETA_THROTTLE_N", &errs)
	setDurationFromEnv(&cfg.ETAThrottleInterval, "ETA_THROTTLE_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MatcherDefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.ClusterRadiusPx <= 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_RADIUS_PX must be > 0"))
	}
	if cfg.ClusterMaxZoom < 0 || cfg.ClusterMaxZoom > 30 {
		errs = append(errs, fmt.Errorf("CLUSTER_MAX_ZOOM must be within [0,30]"))
	}
	if cfg.ClusterMinPoints < 2 {
		errs = append(errs, fmt.Errorf("CLUSTER_MIN_POINTS must be >= 2"))
	}
	if cfg.ClusterRefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_REFRESH_INTERVAL must be > 0"))
	}
	if cfg.FallbackSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("FALLBACK_SPEED_MPS must be > 0"))
	}
	if cfg.ETAThrottleN <= 0 {
		errs = append(errs, fmt.Errorf("ETA_THROTTLE_N must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the position write-back consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PGDSN string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "delivery-positions",
		KafkaGroup:    "agromatch-writeback",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "couriers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_WRITEBACK_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_COURIER_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.RetryAttempts, "WRITEBACK_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "WRITEBACK_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("WRITEBACK_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
