package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	redisclient "github.com/openloom/connector-rollout/internal/clients/redis"
	"github.com/openloom/connector-rollout/internal/clients/workload"
	"github.com/openloom/connector-rollout/internal/config"
	"github.com/openloom/connector-rollout/internal/data/db"
	rolloutrepo "github.com/openloom/connector-rollout/internal/data/repos/rollout"
	"github.com/openloom/connector-rollout/internal/handlers"
	"github.com/openloom/connector-rollout/internal/middleware"
	"github.com/openloom/connector-rollout/internal/observability"
	"github.com/openloom/connector-rollout/internal/platform/envutil"
	"github.com/openloom/connector-rollout/internal/platform/logger"
	"github.com/openloom/connector-rollout/internal/rollout"
	"github.com/openloom/connector-rollout/internal/server"
	"github.com/openloom/connector-rollout/internal/services"
	"github.com/openloom/connector-rollout/internal/temporalx"
	"github.com/openloom/connector-rollout/internal/temporalx/temporalworker"
)

func main() {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "connector-rollout",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", ""),
	})
	if otelShutdown != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(sctx)
		}()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Config load failed", "error", err)
	}

	// Postgres
	dbService, err := db.New(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	theDB := dbService.DB()

	// Repos
	rolloutRepo := rolloutrepo.NewConnectorRolloutRepo(theDB, log)

	// Clients
	workloadClient, err := workload.NewFromEnv(log)
	if err != nil {
		log.Fatal("Workload client init failed", "error", err)
	}

	locks := rollout.NewLocalAdvanceLocker()
	notify := rollout.NewNopNotifier()
	if os.Getenv("REDIS_ADDR") != "" {
		rdb, err := redisclient.NewClient(log)
		if err != nil {
			log.Fatal("Redis init failed", "error", err)
		}
		defer rdb.Close()
		if locks, err = redisclient.NewAdvanceLocker(log, rdb); err != nil {
			log.Fatal("Redis advance locker init failed", "error", err)
		}
		if notify, err = redisclient.NewNotifier(log, rdb); err != nil {
			log.Fatal("Redis notifier init failed", "error", err)
		}
	}

	// Engine
	health := rollout.NewWorkloadHealthChecker(workloadClient)
	engine, err := rollout.NewEngine(
		log,
		rolloutRepo,
		workloadClient,
		health,
		rollout.NewStatusOracle(workloadClient),
		locks,
		notify,
		rollout.Config{
			HealthWindow: cfg.HealthWindow(),
			TickInterval: cfg.TickInterval(),
			LockTTL:      cfg.LockTTL(),
		},
	)
	if err != nil {
		log.Fatal("Rollout engine init failed", "error", err)
	}

	// Temporal
	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Fatal("Temporal init failed", "error", err)
	}
	if tc != nil {
		defer tc.Close()
	}

	// Services / handlers / middleware
	rolloutService := services.NewRolloutService(theDB, log, rolloutRepo, tc, cfg)
	rolloutHandler := handlers.NewRolloutHandler(rolloutService)
	authMiddleware, err := middleware.NewServiceAuthMiddleware(log)
	if err != nil {
		log.Fatal("Auth middleware init failed", "error", err)
	}

	router := server.NewRouter(server.RouterConfig{
		ServiceName:    "connector-rollout",
		AuthMiddleware: authMiddleware,
		RolloutHandler: rolloutHandler,
	})

	g, gctx := errgroup.WithContext(ctx)

	if tc != nil {
		runner, err := temporalworker.NewRunner(log, tc, engine)
		if err != nil {
			log.Fatal("Temporal worker init failed", "error", err)
		}
		g.Go(func() error {
			return runner.Start(gctx)
		})
	} else {
		log.Warn("Temporal disabled; rollouts will not be evaluated")
	}

	port := envutil.String("PORT", "8080")
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		return router.Run(":" + port)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal("Service exited", "error", err)
	}
}
