package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/config"
	"github.com/example/ride-pairing/internal/logging"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/registry"
	"github.com/example/ride-pairing/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total location pings consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	cacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_invalidation_errors_total",
		Help: "Total failed cache invalidations",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, cacheErrors)
}

// The consumer folds location pings from the topic into the durable search
// documents through a write batcher, and drops the shared cache entry so
// every API replica reads the new position.
func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("ride-pairing-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var inval KeyDeleter = noopDeleter{}
	prefix := cfg.RedisPrefix
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		inval = &redisAdapter{c: rc}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			if rc != nil {
				if err := rc.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batcher := registry.NewBatcher(store, registry.BatcherConfig{Limit: cfg.BatchLimit, FlushInterval: cfg.FlushInterval}, clock.RealClock{}, logger)
	done := make(chan struct{})
	go func() { batcher.Run(ctx); close(done) }()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		<-done
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ping, err := decodePing(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		batcher.Enqueue(pingOp(ping))
		if err := invalidateWithRetry(ctx, inval, prefix+registry.SearchCacheKey(ping.UserID), 3, 200*time.Millisecond); err != nil {
			cacheErrors.Inc()
			logger.Warn("cache invalidation failed", "user_id", ping.UserID, "error", err)
		}
	}
}

func decodePing(b []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.UserID == "" {
		return p, errors.New("ping without user_id")
	}
	if p.Loc.Lat < -90 || p.Loc.Lat > 90 || p.Loc.Lon < -180 || p.Loc.Lon > 180 {
		return p, fmt.Errorf("ping coordinate out of range: %v", p.Loc)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return p, nil
}

// pingOp patches only the location fields, so pings for stopped or unknown
// searches never create documents.
func pingOp(p models.LocationPing) storage.Op {
	return storage.Op{
		Kind:       storage.OpUpdate,
		Collection: storage.CollectionSearches,
		ID:         p.UserID,
		Patch:      map[string]any{"current": p.Loc, "last_updated": p.At},
	}
}

// KeyDeleter is the one redis operation the consumer needs.
type KeyDeleter interface {
	Del(ctx context.Context, keys ...string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

type noopDeleter struct{}

func (noopDeleter) Del(context.Context, ...string) error { return nil }

func invalidateWithRetry(ctx context.Context, rc KeyDeleter, key string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.Del(ctx, key); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
