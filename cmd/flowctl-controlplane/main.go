package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/applyctl/flowctl/internal/api"
	"github.com/applyctl/flowctl/internal/auth"
	"github.com/applyctl/flowctl/internal/config"
	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/executor"
	"github.com/applyctl/flowctl/internal/idempotency"
	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/policy"
	"github.com/applyctl/flowctl/internal/rategovernor"
	"github.com/applyctl/flowctl/internal/session"
	"github.com/applyctl/flowctl/internal/store"
	"github.com/applyctl/flowctl/internal/streaming"
)

// policyDir is where effort policy documents live, mounted by the
// deployment rather than baked into the image.
const policyDir = "/etc/flowctl/policies"

// migrationsDir holds the golang-migrate schema files this process
// applies at startup, before accepting any traffic.
const migrationsDir = "internal/store/migrations"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("zap: " + err.Error())
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	if err := auth.SetSecret(string(cfg.JWTSecret)); err != nil {
		logger.Fatal("auth", zap.Error(err))
	}

	if err := store.MigrateDSN(cfg.PostgresDSN, migrationsDir); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	ctx := context.Background()
	repo, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer repo.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer redisClient.Close()

	logEntries := eventlog.New(repo)
	governor := rategovernor.New(time.Local)
	notifier := streaming.PublisherNotifier{Pub: streaming.NewLogPublisher()}
	bridge := intervention.New(logEntries, notifier, cfg.InterventionTimeout)
	loader := policy.FileLoader{Dir: policyDir}

	controller := session.New(session.Deps{
		Repo:                  repo,
		Log:                   logEntries,
		Governor:              governor,
		Bridge:                bridge,
		Notifier:              notifier,
		NewExecutor:           func() executor.Executor { return executor.NoopExecutor{} },
		PolicyLoader:          session.PolicyLoader(loader.Load),
		NodeID:                cfg.NodeID,
		HeartbeatInterval:     10 * time.Second,
		LeaseTTL:              cfg.SessionLeaseTTL,
		MaxItemDuration:       cfg.MaxItemDuration,
		ShutdownWindow:        cfg.ShutdownWindow,
		DefaultMaxConcurrency: cfg.MaxConcurrencySession,
	})

	if err := controller.Recover(ctx); err != nil {
		logger.Warn("recovery sweep failed", zap.Error(err))
	}

	idem := idempotency.NewStore(idempotency.NewRedisBackend(redisClient))

	srv := &api.Server{
		Repo:          repo,
		Log:           logEntries,
		Controller:    controller,
		Bridge:        bridge,
		Idempotency:   idem,
		WebhookSecret: cfg.InterventionWebhookSecret,
	}
	handler := api.New(srv)

	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go srv.WSHub.Run(hubCtx)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("flowctl control plane listening", zap.String("addr", cfg.ListenAddr), zap.String("node_id", cfg.NodeID))
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
