package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reflex-pvp/internal/auth"
	"reflex-pvp/internal/blockchain"
	"reflex-pvp/internal/config"
	"reflex-pvp/internal/database"
	"reflex-pvp/internal/events"
	"reflex-pvp/internal/handlers"
	"reflex-pvp/internal/jobs"
	"reflex-pvp/internal/models"
	"reflex-pvp/internal/repository"
	"reflex-pvp/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	// Initialize JWT
	auth.InitJWT(cfg.App.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional; without it queues, quotas and events stay in process
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("redis connection established")
	}

	// Match store
	var (
		store       services.MatchStore
		stats       services.StatsRecorder
		statsRead   handlers.PlayerStatsReader
		healthRedis redis.UniversalClient
	)
	if redisClient != nil {
		healthRedis = redisClient
	}
	switch cfg.Match.Store {
	case "database":
		if err := database.Connect(cfg.Database.Driver, cfg.GetDSN(), logger); err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer database.Close()

		if err := database.AutoMigrate(logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}

		repo := repository.NewRepository(database.GetDB())
		store, stats, statsRead = repo, repo, repo
	default:
		store = services.NewMemoryMatchStore()
	}
	registry := services.NewMatchRegistry(store, logger)

	// Free-stake claims and quotas
	limits := models.FreeStakeLimits{
		DailyBudgetLamports:      cfg.FreeStake.DailyBudgetLamports,
		MaxPerMatchLamports:      cfg.FreeStake.MaxPerMatchLamports,
		MaxMatchesPerUserPerDay:  cfg.FreeStake.MaxMatchesPerUserPerDay,
		MaxLamportsPerUserPerDay: cfg.FreeStake.MaxLamportsPerUserPerDay,
	}
	var ledger services.QuotaLedger
	if cfg.FreeStake.QuotaStore == "redis" {
		ledger = services.NewRedisQuotaLedger(redisClient, cfg.Redis.KeyPrefix, limits)
	} else {
		ledger = services.NewMemoryQuotaLedger(limits)
	}
	freeStake := services.NewFreeStakeService(cfg.FreeStake.SigningSecret, cfg.FreeStake.ClaimTTL, ledger, logger)

	// Events: local fan-out, mirrored through redis pub/sub when available
	broadcaster := events.NewBroadcaster(logger)
	var publisher events.Publisher = broadcaster
	var relay *events.RedisRelay
	if redisClient != nil {
		// the relay feeds the local broadcaster, so publish only to redis
		publisher = events.NewRedisPublisher(redisClient, logger)
		relay = events.NewRedisRelay(redisClient, broadcaster, logger)
	}

	// Matchmaking
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal("failed to create scheduler", zap.Error(err))
	}

	mmCfg := services.MatchmakingConfig{
		CheckInterval:       cfg.Matchmaking.Interval,
		MaxWait:             cfg.Matchmaking.MaxWait,
		ReactionToleranceMs: cfg.Matchmaking.ReactionToleranceMs,
		ScanLimit:           cfg.Matchmaking.ScanLimit,
	}
	var queueStore services.OrderedSetStore
	if redisClient != nil {
		queueStore = database.NewRedisOrderedSetStore(redisClient)
		mmCfg.Locker = database.NewRedisLocker(redisClient, 2*cfg.Matchmaking.Interval)
	} else {
		queueStore = services.NewMemoryOrderedSetStore()
	}
	matchmaking := services.NewMatchmakingService(queueStore, scheduler, publisher, mmCfg, logger)

	// Escrow bridge
	var ledgerRPC blockchain.LedgerRPC
	if cfg.Solana.RPCURL != "" {
		ledgerRPC = rpc.New(cfg.Solana.RPCURL)
	}
	bridge := blockchain.NewEscrowBridge(ledgerRPC, blockchain.EscrowConfig{
		RPCURL:          cfg.Solana.RPCURL,
		ProgramID:       cfg.Solana.ProgramID,
		AuthoritySecret: cfg.Solana.ServerAuthoritySecret,
		FeeVault:        cfg.Solana.FeeVault,
		FeeBps:          cfg.Solana.FeeBps,
	}, logger)

	orchestrator := services.NewMatchOrchestrator(
		registry,
		freeStake,
		matchmaking,
		bridge,
		stats,
		publisher,
		services.OrchestratorConfig{
			JoinExpiry:     cfg.Match.JoinExpiry,
			SettleDeadline: cfg.Match.SettleDeadline,
		},
		logger,
	)

	// Background jobs
	if _, err := jobs.ScheduleClaimSweep(scheduler, freeStake, cfg.Match.ClaimSweepEvery, logger); err != nil {
		logger.Fatal("failed to schedule claim sweep", zap.Error(err))
	}
	scheduler.Start()

	reconciler := jobs.NewMatchReconciler(orchestrator, cfg.Match.ReconcileInterval, logger)

	// Set Gin mode
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// CORS middleware
	allowedOrigins := []string{
		"http://localhost:3000",
		"http://localhost:5173", // Vite dev server
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
	if cfg.Server.FrontendOrigin != "" {
		allowedOrigins = append(allowedOrigins, cfg.Server.FrontendOrigin)
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(auth.AttachUser())

	// Health
	handlers.NewHealthHandler(database.GetDB(), healthRedis, bridge).RegisterRoutes(router)

	api := router.Group("/api")
	handlers.NewEscrowHandler(bridge, logger).RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(auth.AuthMiddleware())
	handlers.NewMatchHandler(orchestrator, broadcaster, statsRead, logger).RegisterRoutes(protected)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("match_store", cfg.Match.Store),
			zap.String("quota_store", cfg.FreeStake.QuotaStore),
			zap.Bool("escrow_configured", bridge.IsConfigured()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		reconciler.Start(gctx)
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// Graceful shutdown with 5 second timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		reconciler.Stop()
		if err := scheduler.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown failed", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return
	}
	logger.Info("server exited")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}
