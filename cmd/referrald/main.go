package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"referral-dispatch-backend/config"
	"referral-dispatch-backend/internal/api"
	"referral-dispatch-backend/internal/audit"
	"referral-dispatch-backend/internal/books"
	"referral-dispatch-backend/internal/capability"
	"referral-dispatch-backend/internal/db"
	"referral-dispatch-backend/internal/directory"
	"referral-dispatch-backend/internal/dispatch"
	"referral-dispatch-backend/internal/intake"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/match"
	"referral-dispatch-backend/internal/notify"
	"referral-dispatch-backend/internal/resign"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalw("failed to load configuration", "path", configPath, "error", err)
	}
	logger.Infow("configuration loaded", "path", configPath, "books", len(cfg.Books))

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalw("invalid engine timezone", "error", err)
	}

	gormDB, err := db.Init(cfg)
	if err != nil {
		logger.Fatalw("failed to initialize database", "error", err)
	}
	logger.Info("database initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit events go through the worker pool; the pool falls back to inline
	// writes under load so no business transition is ever blocked on it.
	auditPool := audit.NewWorkerPool(cfg.WorkerPool.Size, audit.NewGormWriter(gormDB), logger)
	auditPool.Start(ctx)

	notifier := notify.NewLogNotifier(logger)
	registry := books.NewRegistry(gormDB)
	led := ledger.NewGormLedger(gormDB, auditPool, notifier, logger)
	in := intake.New(gormDB, registry, cfg, loc, auditPool, logger)
	machine := dispatch.NewMachine(gormDB, led, auditPool, notifier, logger,
		time.Duration(cfg.Engine.OfferResponseHours)*time.Hour)
	matcher := match.NewMatcher(gormDB, registry, led, machine, in, logger)
	bids := match.NewBidProcessor(gormDB, cfg, loc, logger)
	caps := capability.NewStaticChecker(cfg.Capabilities)

	// Identity data lives in the hall's membership system; this stand-in
	// resolves nothing and reporting falls back to bare ids.
	dir := directory.NewStatic(nil, nil)

	resignSched := resign.NewScheduler(gormDB, led, cfg.Engine.ResignCheckInterval, logger)
	go resignSched.Run(ctx)
	go machine.RunSweeper(ctx, cfg.Engine.SweepInterval)

	if cfg.Engine.SchedulerEnabled {
		morning := match.NewScheduler(matcher, cfg, loc, logger)
		go morning.Run(ctx)
	} else {
		logger.Warn("morning scheduler disabled, runs must be triggered via the API")
	}

	handler := api.NewHandler(gormDB, registry, led, in, bids, matcher, machine, caps, dir, logger)
	router := api.NewRouter(handler, &cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Infow("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("HTTP server ListenAndServe", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received, stopping services")

	// Cancelling the root context lets the background loops and the audit
	// pool drain before the process exits.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalw("HTTP server shutdown", "error", err)
	}

	logger.Info("server gracefully stopped")
}
