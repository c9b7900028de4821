package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knoguchi/trackrank/internal/auth"
	"github.com/knoguchi/trackrank/internal/config"
	"github.com/knoguchi/trackrank/internal/repository"
	"github.com/knoguchi/trackrank/internal/repository/postgres"
	"github.com/knoguchi/trackrank/internal/rules"
	"github.com/knoguchi/trackrank/internal/server"
	"github.com/knoguchi/trackrank/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting trackrank service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"rules_source", cfg.RulesSource,
	)

	var (
		loader    rules.Loader = rules.NewFileLoader(cfg.RulesFile)
		auditRepo repository.AuditRepository
	)

	// Initialize PostgreSQL when a component needs it
	if cfg.NeedsDatabase() {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		if cfg.RulesSource == config.RulesSourcePostgres {
			loader = postgres.NewRuleRepo(db)
		}
		if cfg.AuditEnabled {
			auditRepo = postgres.NewAuditRepo(db)
		}
	}

	// Create gRPC server; health turns SERVING with the first published snapshot
	var store *rules.Store
	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:         cfg.GRPCPort,
		Logger:       logger,
		RulesVersion: func() string { return store.Version() },
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	store = rules.NewStore(rules.StoreConfig{
		Loader: loader,
		Logger: logger,
		OnPublish: func(*rules.Snapshot) {
			grpcServer.SetServing(true)
		},
	})

	metrics := service.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := []service.RankServiceOption{
		service.WithLogger(logger),
		service.WithMetrics(metrics),
		service.WithPrecision(cfg.ExplainPrecision),
		service.WithMaxDepth(cfg.ExplainMaxDepth),
	}
	if auditRepo != nil {
		opts = append(opts, service.WithAuditRepository(auditRepo))
	}
	rankSvc := service.NewRankService(store, opts...)

	jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtCfg.Expiry = cfg.JWTExpiry
	adminAuth := auth.NewAdminAuth(cfg.AdminAPIKey, auth.NewJWTManager(jwtCfg), logger)

	// Create HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		API:            rankSvc,
		Ready:          store.Ready,
		Admin:          adminAuth.Middleware,
		AdminRead:      adminAuth.ReadMiddleware,
		RulesVersion:   store.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Initial rule load; the servers still start on failure and report not ready
	if snap, err := store.Reload(ctx); err != nil {
		slog.Error("initial rule load failed", "source", loader.Source(), "error", err)
	} else {
		slog.Info("rules loaded", "version", snap.Version.String(), "rules", len(snap.Engine.Rules()))
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// SIGHUP reloads rules; SIGINT and SIGTERM shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if snap, err := store.Reload(ctx); err != nil {
					slog.Error("rule reload failed, keeping previous snapshot", "error", err)
				} else {
					slog.Info("rules reloaded", "version", snap.Version.String())
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			break wait
		}
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.RuleRepository  = (*postgres.RuleRepo)(nil)
	_ repository.AuditRepository = (*postgres.AuditRepo)(nil)
	_ rules.Loader               = (*postgres.RuleRepo)(nil)
)
