package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are loaded from environment variables with defaults that run
// locally with no external services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN string

	PushEndpoint string
	PushKey      string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	StripeAPIKey  string
	SeatHoldCents int64
	Currency      string

	MaxProximityMeters float64
	MaxDetourMeters    float64
	MinSimilarity      float64
	RequireForward     bool
	ProposalTimeout    time.Duration
	CycleInterval      time.Duration
	StaleAfter         time.Duration
	StaleSweepEvery    int

	SearchCacheTTL     time.Duration
	ActiveCacheTTL     time.Duration
	BatchLimit         int
	BatchFlushInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisPrefix:        "ride-pairing:",
		KafkaLocationTopic: "search-locations",
		KafkaEventsTopic:   "match-events",
		ETACacheTTL:        2 * time.Minute,
		DefaultSpeedMps:    8,
		Currency:           "usd",
		MaxProximityMeters: 3000,
		MaxDetourMeters:    5000,
		MinSimilarity:      0.01,
		ProposalTimeout:    60 * time.Second,
		CycleInterval:      5 * time.Second,
		StaleAfter:         15 * time.Minute,
		StaleSweepEvery:    12,
		SearchCacheTTL:     30 * time.Second,
		ActiveCacheTTL:     10 * time.Second,
		BatchLimit:         500,
		BatchFlushInterval: 5 * time.Second,
		LogLevel:           "info",
	}
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
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.SeatHoldCents, "SEAT_HOLD_CENTS", &errs)
	setStringFromEnv(&cfg.Currency, "SEAT_HOLD_CURRENCY")

	setFloatFromEnv(&cfg.MaxProximityMeters, "MATCH_MAX_PROXIMITY_METERS", &errs)
	setFloatFromEnv(&cfg.MaxDetourMeters, "MATCH_MAX_DETOUR_METERS", &errs)
	setFloatFromEnv(&cfg.MinSimilarity, "MATCH_MIN_SIMILARITY", &errs)
	cfg.RequireForward = strings.EqualFold(os.Getenv("MATCH_REQUIRE_FORWARD"), "true")
	setDurationFromEnv(&cfg.ProposalTimeout, "MATCH_PROPOSAL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.CycleInterval, "MATCH_CYCLE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "MATCH_STALE_AFTER", &errs)
	setIntFromEnv(&cfg.StaleSweepEvery, "MATCH_STALE_SWEEP_EVERY", &errs)

	setDurationFromEnv(&cfg.SearchCacheTTL, "SEARCH_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.ActiveCacheTTL, "ACTIVE_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.BatchLimit, "BATCH_LIMIT", &errs)
	setDurationFromEnv(&cfg.BatchFlushInterval, "BATCH_FLUSH_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MinSimilarity < 0 || cfg.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("MATCH_MIN_SIMILARITY must be within [0,1]"))
	}
	if cfg.MaxProximityMeters <= 0 || cfg.MaxDetourMeters <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_PROXIMITY_METERS and MATCH_MAX_DETOUR_METERS must be > 0"))
	}
	if cfg.ProposalTimeout <= 0 || cfg.CycleInterval <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_PROPOSAL_TIMEOUT and MATCH_CYCLE_INTERVAL must be > 0"))
	}
	if cfg.StaleSweepEvery <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_STALE_SWEEP_EVERY must be > 0"))
	}
	if cfg.BatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_LIMIT must be > 0"))
	}
	if cfg.SeatHoldCents < 0 {
		errs = append(errs, fmt.Errorf("SEAT_HOLD_CENTS must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location consumer process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	BatchLimit    int
	FlushInterval time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "search-locations",
		KafkaGroup:    "ride-pairing-consumer",
		RedisPrefix:   "ride-pairing:",
		BatchLimit:    500,
		FlushInterval: 5 * time.Second,
		LogLevel:      "info",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")
	setIntFromEnv(&cfg.BatchLimit, "BATCH_LIMIT", &errs)
	setDurationFromEnv(&cfg.FlushInterval, "BATCH_FLUSH_INTERVAL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.BatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_LIMIT must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
