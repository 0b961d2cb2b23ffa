package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/adapters/gemini"
	"github.com/keyrelay/gateway/internal/adapters/openai"
	"github.com/keyrelay/gateway/internal/api"
	"github.com/keyrelay/gateway/internal/circuitbreaker"
	"github.com/keyrelay/gateway/internal/config"
	"github.com/keyrelay/gateway/internal/counter"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/events"
	"github.com/keyrelay/gateway/internal/metrics"
	"github.com/keyrelay/gateway/internal/pairing"
	"github.com/keyrelay/gateway/internal/pipeline"
	"github.com/keyrelay/gateway/internal/pop"
	"github.com/keyrelay/gateway/internal/usage"
	"github.com/keyrelay/gateway/internal/vault"
	"github.com/keyrelay/gateway/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Env == "development" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Persistence backend.
	var repo database.Repository
	switch cfg.Database.Backend {
	case "postgres":
		pg, err := database.NewPostgresRepository(cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		repo = pg
	case "supabase":
		sb, err := database.NewSupabaseRepository(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
		if err != nil {
			return fmt.Errorf("supabase: %w", err)
		}
		repo = sb
	default:
		repo = database.NewMemoryRepository()
	}

	// Counters and nonce replay defense share the redis pool when redis
	// is configured; otherwise both run in process memory.
	var counters counter.Store
	var nonces pop.NonceStore
	if cfg.Redis.Addr != "" {
		rs, err := counter.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		counters = rs
		nonces = pop.NewRedisNonceStore(rs.Client())
	} else {
		counters = counter.NewMemoryStore()
		nonces = pop.NewMemoryNonceStore()
	}

	v, err := vault.New(cfg.Vault.MasterSecret)
	if err != nil {
		return err
	}

	// Resource adapters.
	registry := adapters.NewRegistry()
	for _, p := range cfg.Providers {
		if err := registry.Register(openai.New(p.Provider, p.BaseURL)); err != nil {
			return err
		}
	}
	if err := registry.Register(gemini.New()); err != nil {
		return err
	}

	m := metrics.New()
	bus := events.NewMemoryBus(logger)
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultSettings(), logger)
	recorder := usage.NewRecorder(repo, counters, bus, m, logger)
	pairingSvc := pairing.NewService(repo, registry, logger)

	gateway := pipeline.New(pipeline.Config{
		Repo:       repo,
		Nonces:     nonces,
		Counters:   counters,
		Registry:   registry,
		Vault:      v,
		Breakers:   breakers,
		Recorder:   recorder,
		Metrics:    m,
		Logger:     logger,
		SkewWindow: cfg.SkewWindow(),
		NonceTTL:   cfg.NonceTTL(),
	})

	// Optional Pub/Sub mirror of the event bus.
	if cfg.Export.PubsubProject != "" && cfg.Export.PubsubTopic != "" {
		exporter, err := events.NewExporter(context.Background(), bus,
			cfg.Export.PubsubProject, cfg.Export.PubsubTopic, logger)
		if err != nil {
			return fmt.Errorf("pubsub exporter: %w", err)
		}
		defer exporter.Close()
		logger.Info("pubsub export enabled", "topic", cfg.Export.PubsubTopic)
	}

	// Webhook delivery, through Cloud Tasks when a queue is configured.
	hooks := webhooks.NewRegistry()
	var sender webhooks.Sender
	if cfg.Webhooks.CloudTasksQueue != "" {
		ts, err := webhooks.NewTasksSender(context.Background(), cfg.Webhooks.CloudTasksQueue)
		if err != nil {
			return fmt.Errorf("cloud tasks: %w", err)
		}
		defer ts.Close()
		sender = ts
		logger.Info("webhook delivery via cloud tasks", "queue", cfg.Webhooks.CloudTasksQueue)
	} else {
		sender = webhooks.NewHTTPSender()
	}
	dispatcher := webhooks.NewDispatcher(bus, hooks, sender, logger)
	defer dispatcher.Close()

	// Sweep overdue pending sessions.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				pairingSvc.ExpireStale(sweepCtx)
			}
		}
	}()

	server := api.NewServer(api.Config{
		Gateway:    gateway,
		Pairing:    pairingSvc,
		Registry:   registry,
		Repo:       repo,
		Vault:      v,
		Bus:        bus,
		Breakers:   breakers,
		Hooks:      hooks,
		Logger:     logger,
		AdminToken: cfg.Admin.Token,
	})

	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     server.Router(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streamed completions can legitimately run for
		// minutes; per-request deadlines come from the client connection.
		IdleTimeout: 120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("gateway listening",
		"port", cfg.Server.Port,
		"backend", cfg.Database.Backend,
		"resources", registry.Count())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info("server stopped")
	return nil
}
