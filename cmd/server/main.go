package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/config"
	"github.com/example/ride-pairing/internal/dispatch"
	"github.com/example/ride-pairing/internal/eta"
	httpapi "github.com/example/ride-pairing/internal/http"
	"github.com/example/ride-pairing/internal/ingest"
	"github.com/example/ride-pairing/internal/lifecycle"
	"github.com/example/ride-pairing/internal/logging"
	"github.com/example/ride-pairing/internal/matcher"
	"github.com/example/ride-pairing/internal/pairing"
	"github.com/example/ride-pairing/internal/payments"
	"github.com/example/ride-pairing/internal/registry"
	"github.com/example/ride-pairing/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-pairing", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	clk := clock.RealClock{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var cache registry.Cache
	if cfg.RedisAddr != "" {
		rc := registry.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}), cfg.RedisPrefix, logger)
		defer rc.Close()
		cache = rc
	} else {
		lc := registry.NewLocalCache()
		defer lc.Close()
		cache = lc
	}

	batcher := registry.NewBatcher(store, registry.BatcherConfig{Limit: cfg.BatchLimit, FlushInterval: cfg.BatchFlushInterval}, clk, logger)
	reg := registry.New(store, cache, batcher, registry.Options{
		SearchTTL: cfg.SearchCacheTTL,
		ActiveTTL: cfg.ActiveCacheTTL,
		Clock:     clk,
		Logger:    logger,
	})
	searches, proposals, err := reg.Load(ctx)
	if err != nil {
		return err
	}
	logger.Info("registry loaded", "searches", searches, "proposals", proposals)

	ws := dispatch.NewWSRegistry(logger)
	direct := []dispatch.Channel{ws}
	if cfg.PushEndpoint != "" {
		direct = append(direct, dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	} else {
		logger.Warn("PUSH_ENDPOINT not set, offline users' events are only logged")
		direct = append(direct, &dispatch.LogChannel{Logger: logger.With("component", "events")})
	}
	var taps []dispatch.Channel
	var locations pairing.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		pings := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer pings.Close()
		taps = append(taps, events)
		locations = pings
	}

	var routing eta.Client
	if cfg.OSRMEndpoint != "" {
		routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	etaCache := eta.NewCache(cfg.ETACacheTTL)
	defer etaCache.Close()

	lcOpts := lifecycle.Options{
		ProposalTimeout: cfg.ProposalTimeout,
		Clock:           clk,
		Notifier:        dispatch.NewNotifier(direct, taps, clk, logger),
		ETA:             eta.NewEstimator(routing, etaCache, cfg.DefaultSpeedMps, logger),
		SeatHoldCents:   cfg.SeatHoldCents,
		Currency:        cfg.Currency,
		Logger:          logger,
	}
	if cfg.StripeAPIKey != "" {
		lcOpts.Seats = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	controller := lifecycle.New(reg, lcOpts)
	defer controller.Close()
	logger.Info("expiry timers restored", "armed", controller.Restore(ctx))

	scorer := matcher.NewScorer(matcher.Thresholds{
		MaxProximityMeters: cfg.MaxProximityMeters,
		MaxDetourMeters:    cfg.MaxDetourMeters,
		MinSimilarity:      cfg.MinSimilarity,
		SampleLimit:        matcher.DefaultThresholds().SampleLimit,
		RequireForward:     cfg.RequireForward,
	})
	cycle := matcher.NewCycle(reg, controller, scorer, matcher.CycleConfig{
		Interval:        cfg.CycleInterval,
		StaleAfter:      cfg.StaleAfter,
		StaleSweepEvery: cfg.StaleSweepEvery,
	}, clk, logger)

	svc := pairing.NewService(reg, controller, cycle, locations, clk, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		batcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cycle.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("ride-pairing listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := reg.Close(flushCtx); ferr != nil {
		logger.Error("final batch flush failed", "error", ferr)
	}
	return err
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migration applied")
	}
	return ps, func() { _ = ps.Close() }, nil
}
