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

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/inaiurai/listenrewards/internal/auth"
	"github.com/inaiurai/listenrewards/internal/claims"
	"github.com/inaiurai/listenrewards/internal/config"
	"github.com/inaiurai/listenrewards/internal/eligibility"
	"github.com/inaiurai/listenrewards/internal/events"
	"github.com/inaiurai/listenrewards/internal/execution"
	"github.com/inaiurai/listenrewards/internal/handlers"
	"github.com/inaiurai/listenrewards/internal/ingest"
	"github.com/inaiurai/listenrewards/internal/keylock"
	"github.com/inaiurai/listenrewards/internal/ledger"
	"github.com/inaiurai/listenrewards/internal/metrics"
	"github.com/inaiurai/listenrewards/internal/middleware"
	"github.com/inaiurai/listenrewards/internal/repository"
	"github.com/inaiurai/listenrewards/internal/router"
)

const expirySweepInterval = 15 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		slog.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Ledger and repositories
	locks := keylock.New()
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.New(ledgerRepo, cfg.Ingest.OverlapGrace, m, logger)
	sessionRepo := repository.NewSessionRepo(pool)
	claimRepo := repository.NewClaimRepo(pool)

	ingestSvc := ingest.NewService(pool, ledgerSvc, sessionRepo, locks, ingest.Config{
		MaxSessionSeconds: cfg.Ingest.MaxSessionSeconds,
		DurationTolerance: cfg.Ingest.DurationTolerance,
		OverlapGrace:      cfg.Ingest.OverlapGrace,
		ClockSkew:         cfg.Ingest.ClockSkew,
		Timeout:           cfg.OperationTimeout,
	}, m, logger)

	eligibilitySvc := eligibility.NewService(eligibility.Policy{
		MinClaimThresholdSeconds:   cfg.Eligibility.MinClaimThresholdSeconds,
		ClaimCooldown:              cfg.Eligibility.ClaimCooldown,
		MaxClaimsPerDay:            cfg.Eligibility.MaxClaimsPerDay,
		MaxRewardedSecondsPerClaim: cfg.Eligibility.MaxRewardedSecondsPerClaim,
	}, ledgerSvc, claimRepo)

	signer, err := claims.NewKeySigner(cfg.Claims.SignerKeyHex)
	if err != nil {
		slog.Error("Invalid claim signer key", "error", err)
		os.Exit(1)
	}

	// Claim handoff: the River insert is set after the client exists (breaks init cycle).
	var handoff claims.HandoffFunc
	var lateInsert execution.LateInsert
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewExpireClaimsWorker(claimRepo, logger))
	if cfg.Executor.URL != "" {
		handoff = execution.Handoff(lateInsert.Insert)
		redeemWorker := execution.NewRedeemClaimWorker(claimRepo, cfg.Executor.URL, cfg.Executor.Timeout, m, logger)
		if cfg.Events.RabbitMQURL != "" {
			publisher, err := events.NewPublisher(cfg.Events.RabbitMQURL, cfg.Events.Exchange, logger)
			if err != nil {
				slog.Error("Unable to connect to RabbitMQ", "error", err)
				os.Exit(1)
			}
			defer publisher.Close()
			redeemWorker.Events = publisher
			slog.Info("Claim events enabled", "exchange", cfg.Events.Exchange)
		}
		river.AddWorker(workers, redeemWorker)
	} else {
		slog.Warn("EXECUTOR_URL not set; issued claims are not handed to an executor")
	}

	authorizer := claims.NewAuthorizer(pool, ledgerSvc, ledgerRepo, claimRepo, eligibilitySvc, signer, locks, handoff, claims.Config{
		RewardRatePerSecond: cfg.Claims.RewardRatePerSecond,
		ChainID:             cfg.Claims.ChainID,
		Contract:            common.HexToAddress(cfg.Claims.Contract),
		TTL:                 cfg.Claims.TTL,
		Timeout:             cfg.OperationTimeout,
	}, m, logger)
	slog.Info("Claim signer ready", "address", authorizer.SignerAddress().Hex(), "chain_id", cfg.Claims.ChainID.String())

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.PeriodicExpiry(expirySweepInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	lateInsert.Set(func(ctx context.Context, tx pgx.Tx, args execution.RedeemClaimArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	})

	// Auth & HTTP
	authSvc := auth.NewService(cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)
	rewardsHandler := &handlers.RewardsHandler{
		Sessions:     ingestSvc,
		Ledger:       ledgerSvc,
		Eligibility:  eligibilitySvc,
		Claims:       authorizer,
		ClaimHistory: claimRepo,
		SessionLog:   sessionRepo,
		RewardRate:   cfg.Claims.RewardRatePerSecond,
		Logger:       logger,
	}
	apiV1Router := router.New(authHandler, rewardsHandler, middleware.BearerAuth(authSvc))

	mux := http.NewServeMux()
	mux.Handle("/", apiV1Router)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop failed", "error", err)
	}
}
