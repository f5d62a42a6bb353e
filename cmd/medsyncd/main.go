package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medsync/engine/internal/config"
	"github.com/medsync/engine/internal/handlers"
	custommw "github.com/medsync/engine/internal/middleware"
	"github.com/medsync/engine/internal/observability"
	"github.com/medsync/engine/internal/repository"
	"github.com/medsync/engine/internal/services"
	"github.com/medsync/engine/internal/transport"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Initialize telemetry
	telemetry, err := observability.Initialize(rootCtx, observability.NewConfig("medsync-engine", serviceVersion))
	if err != nil {
		log.Printf("Warning: telemetry initialization failed: %v", err)
	}

	// Initialize database
	var (
		sqlDB    *sql.DB
		dbSystem string
	)
	var repos struct {
		entities  repository.EntityRepo
		changes   repository.ChangeLogRepo
		queue     repository.SyncQueueRepo
		conflicts repository.ConflictRepo
		state     repository.SyncStateRepo
	}
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL database")
		pg, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
		sqlDB = pg
		dbSystem = "postgresql"
		repos.entities = repository.NewEntityRepository(pg)
		repos.changes = repository.NewChangeLogRepository(pg)
		repos.queue = repository.NewSyncQueueRepository(pg)
		repos.conflicts = repository.NewConflictRepository(pg)
		repos.state = repository.NewSyncStateRepository(pg)
	} else {
		log.Println("Using SQLite database")
		lite, err := repository.NewSQLiteDB(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite database: %v", err)
		}
		sqlDB = lite
		dbSystem = "sqlite"
		repos.entities = repository.NewEntityRepository(lite)
		repos.changes = repository.NewChangeLogRepository(lite)
		repos.queue = repository.NewSyncQueueRepository(lite)
		repos.conflicts = repository.NewConflictRepository(lite)
		repos.state = repository.NewSyncStateRepository(lite)
	}
	defer sqlDB.Close()
	log.Printf("Database system: %s", dbSystem)

	// Initialize services
	wire := transport.NewHTTPTransport(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Timeout())
	checksums := services.NewChecksumService()

	monitorCfg := services.DefaultMonitorConfig()
	monitorCfg.StabilityWindow = cfg.Network.StabilityWindow()
	monitorCfg.ProbeInterval = cfg.Network.ProbeInterval()
	probe := services.NewHTTPProbe(cfg.Remote.BaseURL, cfg.Remote.Timeout())
	monitor := services.NewConnectionMonitor(probe, repos.state, monitorCfg)

	trackerCfg := services.DefaultTrackerConfig()
	trackerCfg.BatchSize = cfg.Sync.BatchSize
	tracker := services.NewChangeTracker(repos.entities, repos.changes, repos.state, checksums, wire, trackerCfg)

	resolverCfg := services.DefaultResolverConfig()
	resolverCfg.ReviewThreshold = cfg.Conflicts.ReviewThreshold
	resolverCfg.AmbiguityWindow = cfg.Conflicts.AmbiguityWindow()
	resolverCfg.SafetyFields = cfg.Conflicts.SafetyFields
	resolverCfg.AuditCapacity = cfg.Conflicts.AuditCapacity
	resolver := services.NewConflictResolver(repos.conflicts, &services.HeuristicScorer{AmbiguityWindow: resolverCfg.AmbiguityWindow}, resolverCfg)

	queueCfg := services.DefaultQueueConfig()
	queueCfg.MaxAttempts = cfg.Queue.MaxAttempts
	queueCfg.BackoffBase = cfg.Queue.BackoffBase()
	queueCfg.Capacity = cfg.Queue.Capacity
	queueCfg.BatchSize = cfg.Sync.BatchSize
	queue := services.NewSyncQueue(repos.queue, queueCfg)

	hub := services.NewEventHub()
	go hub.Run()

	orchestratorCfg := services.DefaultOrchestratorConfig()
	orchestratorCfg.SyncInterval = cfg.Sync.Interval()
	orchestratorCfg.WorkerLimit = cfg.Sync.WorkerLimit
	orchestratorCfg.BatchSize = cfg.Sync.BatchSize
	orchestratorCfg.Policy.AllowMetered = cfg.Network.AllowMetered
	orchestrator := services.NewSyncOrchestrator(monitor, queue, tracker, resolver, wire, repos.state, hub, orchestratorCfg)

	go monitor.Run(rootCtx)
	if err := orchestrator.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	if cfg.Sync.AutoStart {
		orchestrator.SetAutoSync(true)
	}

	// Initialize handlers
	syncHandler := handlers.NewSyncHandler(orchestrator, monitor, queue, repos.conflicts)
	conflictHandler := handlers.NewConflictHandler(repos.conflicts, resolver)
	queueHandler := handlers.NewQueueHandler(queue)
	entityHandler := handlers.NewEntityHandler(repos.entities, tracker, queue, orchestrator, cfg.Conflicts.SafetyFields)
	wsHandler := handlers.NewWebSocketHandler(hub)
	healthHandler := handlers.NewHealthHandler()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("medsync-engine"))
	if httpMetrics, err := observability.NewHTTPMetrics(); err == nil {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	} else {
		log.Printf("Warning: HTTP metrics unavailable: %v", err)
	}
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/api/version", handlers.VersionHandler)

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/trigger", syncHandler.TriggerSync)
		r.Get("/status", syncHandler.GetStatus)
		r.Get("/result", syncHandler.GetLastResult)
		r.Put("/auto", syncHandler.SetAutoSync)
	})

	r.Route("/api/entities", func(r chi.Router) {
		r.Get("/", entityHandler.ListEntities)
		r.Get("/{id}", entityHandler.GetEntity)
		r.Put("/{id}", entityHandler.UpsertEntity)
		r.Delete("/{id}", entityHandler.DeleteEntity)
	})

	r.Route("/api/conflicts", func(r chi.Router) {
		r.Get("/", conflictHandler.ListConflicts)
		r.Get("/stats", conflictHandler.GetStats)
		r.Get("/audit", conflictHandler.GetAuditTrail)
		r.Get("/{id}", conflictHandler.GetConflict)
		r.Post("/{id}/resolve", conflictHandler.ResolveConflict)
	})

	r.Route("/api/queue", func(r chi.Router) {
		r.Get("/stats", queueHandler.GetStats)
		r.Get("/dead-letter", queueHandler.GetDeadLetter)
	})

	r.Get("/api/ws", wsHandler.HandleConnection)

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("MedSync engine starting on %s", cfg.ServerAddress)
		log.Printf("Remote sync server: %s", cfg.Remote.BaseURL)
		log.Printf("Sync batch size: %d, queue capacity: %d", cfg.Sync.BatchSize, cfg.Queue.Capacity)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	orchestrator.Cancel()
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(ctx); err != nil {
			log.Printf("Telemetry shutdown error: %v", err)
		}
	}

	log.Println("Engine stopped")
}
