package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"cohort/internal/backends"
	"cohort/internal/backends/analytics"
	"cohort/internal/backends/cache"
	"cohort/internal/backends/memorybackend"
	"cohort/internal/backends/sqlbackend"
	"cohort/internal/criteria"
	"cohort/internal/criteria/types"
	"cohort/internal/evaluator"
	"cohort/internal/events"
	"cohort/internal/exclusivity"
	"cohort/internal/groups"
	"cohort/internal/membership"
	"cohort/internal/platform/config"
	"cohort/internal/platform/httpserver"
	"cohort/internal/platform/logger"
	httpmetrics "cohort/internal/platform/metrics"
	platformredis "cohort/internal/platform/redis"
	"cohort/internal/refresh"
	refreshmetrics "cohort/internal/refresh/metrics"
	httptransport "cohort/internal/transport/http"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal services packages.
func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores. An empty Postgres URL keeps everything in process memory,
	// which is enough for local development and tests.
	var (
		db          *sql.DB
		groupStore  groups.Store
		memberStore membership.Store
	)
	if cfg.Postgres.URL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("opening postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("pinging postgres: %w", err)
		}
		gs := groups.NewPostgresStore(db)
		if err := gs.EnsureSchema(ctx); err != nil {
			return err
		}
		ms := membership.NewPostgresStore(db)
		if err := ms.EnsureSchema(ctx); err != nil {
			return err
		}
		groupStore, memberStore = gs, ms
		log.Info("using postgres stores")
	} else {
		groupStore = groups.NewInMemoryStore()
		memberStore = membership.NewInMemoryStore()
		log.Warn("no postgres configured, using in-memory stores")
	}

	// Backend result cache: Redis when configured, process memory otherwise.
	var resultCache cache.Cache = cache.NewMemory()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		resultCache = cache.NewRedis(redisClient.Client)
		log.Info("backend cache on redis")
	}

	// Data backends, keyed by the source names criterion types declare.
	backendReg := backends.NewRegistry()
	if db != nil {
		if err := backendReg.Register("cmd/server", sqlbackend.New(types.SourcePrimary, db)); err != nil {
			return err
		}
	} else {
		if err := backendReg.Register("cmd/server", memorybackend.New(types.SourcePrimary)); err != nil {
			return err
		}
	}
	if cfg.Analytics.BaseURL != "" {
		ab := analytics.New(types.SourceAnalytics, cfg.Analytics.BaseURL,
			analytics.WithCache(resultCache, cfg.Redis.CacheTTL),
			analytics.WithLogger(log),
		)
		if err := backendReg.Register("cmd/server", ab); err != nil {
			return err
		}
		log.Info("analytics backend enabled", "url", cfg.Analytics.BaseURL)
	}

	// Criterion type catalog.
	builder := criteria.NewBuilder()
	if err := types.RegisterBuiltins(builder); err != nil {
		return fmt.Errorf("registering criterion types: %w", err)
	}
	registry := builder.Build()

	// Metrics live on a dedicated registry so tests never fight over the
	// global one.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eval := evaluator.New(registry, backendReg, log)
	orch := refresh.NewOrchestrator(groupStore, memberStore, registry, eval,
		refreshmetrics.New(promReg), cfg.Refresh, log)

	service := groups.NewService(groupStore, registry, exclusivity.DetectDomains, log)
	service.SetRefresher(orch)

	scheduler := refresh.NewScheduler(groupStore, memberStore, registry, orch,
		cfg.Refresh.SweepResolution, log)

	router := httptransport.NewRouter(httptransport.Deps{
		Groups:      httptransport.NewGroupHandler(service, memberStore, log),
		Collections: httptransport.NewCollectionHandler(service, log),
		Triggers:    httptransport.NewTriggerHandler(orch, log),
		Subjects:    httptransport.NewSubjectHandler(memberStore, log),
		Metrics:     httpmetrics.New(promReg),
		Gatherer:    promReg,
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(orch.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(scheduler.Run(ctx)) })

	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := events.NewConsumer(cfg.Kafka, registry, orch, log)
		if err != nil {
			return fmt.Errorf("building kafka consumer: %w", err)
		}
		g.Go(func() error { return ignoreCancel(consumer.Run(ctx)) })
		log.Info("event consumer enabled",
			"brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		log.Warn("no kafka brokers configured, event triggers disabled")
	}

	g.Go(func() error {
		log.Info("starting cohort server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
