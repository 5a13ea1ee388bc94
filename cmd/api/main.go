package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/anchor"
	"github.com/tourist-safety/backend/internal/api/handlers"
	cacheredis "github.com/tourist-safety/backend/internal/cache/redis"
	"github.com/tourist-safety/backend/internal/featurebank"
	"github.com/tourist-safety/backend/internal/incident"
	"github.com/tourist-safety/backend/internal/ingest"
	"github.com/tourist-safety/backend/internal/matcher"
	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/middleware/ratelimit"
	"github.com/tourist-safety/backend/internal/middleware/security"
	"github.com/tourist-safety/backend/internal/middleware/validation"
	"github.com/tourist-safety/backend/internal/query"
	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/storage/sqlite"
	"github.com/tourist-safety/backend/internal/topology"
	"github.com/tourist-safety/backend/internal/vault"
	"github.com/tourist-safety/backend/pkg/config"
	appLogger "github.com/tourist-safety/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Tourist Safety Identity Core")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	exclusion := time.Duration(cfg.Matching.SameCameraExclusionSec) * time.Second
	var bank featurebank.Bank
	if cfg.Milvus.Enabled {
		milvusBank, err := featurebank.NewMilvusBank(
			cfg.Milvus.Endpoint,
			cfg.Milvus.APIKey,
			cfg.Milvus.CollectionName,
			cfg.Matching.EmbeddingDim,
			exclusion,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus feature bank", zap.Error(err))
		}
		if err := milvusBank.EnsureCollection(context.Background()); err != nil {
			appLogger.Fatal("Failed to ensure feature collection", zap.Error(err))
		}
		bank = milvusBank
	} else {
		bank = featurebank.NewMemoryBank(cfg.Matching.EmbeddingDim, exclusion)
	}
	defer bank.Close()

	var graph *topology.Graph
	if cfg.Neo4j.Enabled {
		graph, err = topology.NewGraph(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			appLogger.Fatal("Failed to create topology graph", zap.Error(err))
		}
		defer graph.Close(context.Background())
	}

	cache, err := cacheredis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, dashboard cache disabled", zap.Error(err))
		cache = nil
	} else {
		defer cache.Close()
		// The session store resets on restart, so cached responses from the
		// previous process no longer reflect live state.
		if err := cache.InvalidateAll(context.Background()); err != nil {
			appLogger.Warn("Failed to clear dashboard cache", zap.Error(err))
		}
	}

	submitter := anchor.NewHTTPSubmitter(cfg.Ledger.Endpoint, time.Duration(cfg.Ledger.TimeoutSec)*time.Second)
	gateway := anchor.NewGateway(sqliteClient, submitter, anchor.Config{
		MaxAttempts:  cfg.Anchor.MaxAttempts,
		InitialDelay: time.Duration(cfg.Anchor.InitialDelayMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.Anchor.QueuePollIntervalSec) * time.Second,
	})

	identityVault, err := vault.NewVault(sqliteClient, cfg.Vault.MasterKey, cfg.Vault.RotationBatchSize, gateway)
	if err != nil {
		appLogger.Fatal("Failed to create identity vault", zap.Error(err))
	}

	sessionStore := session.NewStore()
	notifier := session.NewNotifier()
	lifecycle := session.NewManager(sessionStore, sqliteClient, notifier, session.Config{
		LostTimeout:       time.Duration(cfg.Lifecycle.LostTimeoutSec) * time.Second,
		ExitTimeout:       time.Duration(cfg.Lifecycle.ExitTimeoutSec) * time.Second,
		SweepInterval:     time.Duration(cfg.Lifecycle.SweepIntervalSec) * time.Second,
		TrajMinDistancePx: cfg.Lifecycle.TrajectoryMinDistancePx,
		TrajMinInterval:   time.Duration(cfg.Lifecycle.TrajectoryMinIntervalMs) * time.Millisecond,
	})

	var topo matcher.Topology
	if graph != nil {
		topo = graph
	}
	crossMatcher := matcher.NewMatcher(bank, lifecycle, sessionStore, sqliteClient, topo, cfg.Matching)
	processor := ingest.NewProcessor(crossMatcher, bank, cfg.Matching)
	correlator := incident.NewCorrelator(sqliteClient, sessionStore, gateway, identityVault,
		models.IncidentSeverity(cfg.Anchor.SeverityThreshold))
	queryEngine := query.NewEngine(lifecycle, sessionStore, sqliteClient, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lifecycle.Run(ctx)
	go gateway.Run(ctx)
	go queryEngine.Watch(ctx, notifier)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Access-Scope, X-Camera-ID",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(validation.Middleware(validation.Config{
		MaxBodySize: cfg.Server.BodyLimit,
		Logger:      appLogger.GetLogger(),
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 1200,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	ingestHandler := handlers.NewIngestHandler(processor)
	identityHandler := handlers.NewIdentityHandler(identityVault)
	incidentHandler := handlers.NewIncidentHandler(correlator)
	queryHandler := handlers.NewQueryHandler(queryEngine)
	cameraHandler := handlers.NewCameraHandler(graph)
	wsHandler := handlers.NewWebSocketHandler(notifier)

	api := app.Group("/api/v1")

	api.Post("/detections", limiter.Middleware(), ingestHandler.HandleDetection)

	checkDID := validation.RequireDID("did")
	api.Post("/identities", identityHandler.HandleRegister)
	api.Get("/identities/:did", checkDID, identityHandler.HandleDecrypt)
	api.Post("/identities/:did/verify", checkDID, identityHandler.HandleVerify)
	api.Patch("/identities/:did/status", checkDID, identityHandler.HandleStatus)
	api.Get("/identities/:did/trajectory", checkDID, queryHandler.HandleTrajectory)
	api.Get("/identities/:did/location", checkDID, queryHandler.HandleLocation)
	api.Post("/keys/rotate", identityHandler.HandleRotateKey)

	api.Post("/incidents", incidentHandler.HandleLog)
	api.Get("/incidents", incidentHandler.HandleList)
	api.Get("/incidents/:id", incidentHandler.HandleGet)
	api.Post("/incidents/:id/acknowledge", incidentHandler.HandleAcknowledge)
	api.Post("/incidents/:id/resolve", incidentHandler.HandleResolve)

	api.Post("/cameras", cameraHandler.HandleRegister)
	api.Get("/cameras", cameraHandler.HandleList)
	api.Post("/cameras/adjacency", cameraHandler.HandleSetAdjacency)
	checkCamera := validation.RequireCameraID("camera_id")
	api.Get("/cameras/:camera_id/density", checkCamera, queryHandler.HandleDensity)
	api.Get("/cameras/:camera_id/sessions", checkCamera, queryHandler.HandleCameraSessions)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(wsHandler.HandleEvents))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		depth, err := gateway.QueueDepth()
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
			})
		}
		metrics.AnchorQueueDepth.Set(float64(depth))
		return c.JSON(fiber.Map{
			"status":             "ready",
			"anchor_queue_depth": depth,
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	cancel()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
