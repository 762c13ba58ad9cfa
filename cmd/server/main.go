package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/notify"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/sandbox"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Sandbox executions re-exec this binary; those children never get past here.
	sandbox.ServeIfChild()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "server")
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	testRepo := repository.NewTestRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	overrideRepo := repository.NewAttemptOverrideRepository(pool)
	dashboardRepo := repository.NewDashboardRepository(pool)
	connectivityRepo := repository.NewConnectivityRepository(pool)

	sessionStore := store.NewRedisSessionStore(rdb, sessionRepo, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	testService := service.NewTestService(testRepo, rdb, log)
	dashboardService := service.NewDashboardService(dashboardRepo)
	sb := sandbox.New(sandbox.Options{
		DefaultTimeout: cfg.SandboxDefaultTimeout,
		MaxTimeout:     cfg.SandboxMaxTimeout,
		MaxConcurrency: cfg.SandboxMaxConcurrency,
		Isolation:      cfg.SandboxIsolation,
		MemoryLimitMB:  cfg.SandboxMemoryLimitMB,
		RunnerPath:     cfg.SandboxRunnerPath,
	}, log)
	gateway := notify.NewRedisGateway(rdb, log)
	sessionService := service.NewSessionService(
		sessionStore,
		testService,
		overrideRepo,
		sb,
		gateway,
		service.SessionOptions{
			NavigationGrace: cfg.NavigationGrace,
			OfflineGrace:    cfg.OfflineGrace,
			Connectivity:    worker.NewConnectivityQueue(rdb, log),
		},
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session:   handler.NewSessionHandler(sessionService, log),
		WS:        handler.NewWSHandler(rdb, sessionService, log, cfg.AllowedOrigins),
		Monitor:   handler.NewMonitorHandler(rdb, testService, sessionRepo, log),
		Admin:     handler.NewAdminHandler(testService, sessionRepo, sessionStore, overrideRepo, connectivityRepo, log),
		Dashboard: handler.NewDashboardHandler(dashboardService, log),
		System:    handler.NewSystemHandler(rdb, sb, log),
	}
	runLimiter := middleware.NewRateLimiter(rdb, cfg.RunRateLimit, time.Minute, log)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, runLimiter, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Background Workers ─────────────────────────────────────
	// Workers get their own context so they can drain after HTTP stops.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	persistWorker := worker.NewSessionPersistWorker(rdb, sessionStore, sessionRepo, log)
	clockWorker := worker.NewSessionClockWorker(sessionStore, sessionService, cfg.TimerSyncInterval, cfg.SweepInterval, log)
	connectivityWorker := worker.NewConnectivityWorker(rdb, connectivityRepo, log)

	var workers errgroup.Group
	workers.Go(func() error {
		persistWorker.Start(workerCtx)
		return nil
	})
	workers.Go(func() error {
		clockWorker.Start(workerCtx)
		return nil
	})
	workers.Go(func() error {
		connectivityWorker.Start(workerCtx)
		return nil
	})

	// ─── Serve Until Signalled ─────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	// 2. Stop background workers and wait for the persist queue to drain.
	workerCancel()
	_ = workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
