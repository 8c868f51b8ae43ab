// jobs-service is the HTTP API server for background companion jobs: slicing
// models into G-code and generating meshes through remote providers.
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

	"github.com/joho/godotenv"

	"printforge/internal/api"
	"printforge/internal/artifact"
	"printforge/internal/blob"
	"printforge/internal/cache"
	"printforge/internal/config"
	"printforge/internal/executor"
	"printforge/internal/health"
	"printforge/internal/job"
	"printforge/internal/notify"
	"printforge/internal/observability"
	"printforge/internal/provider"
	"printforge/internal/push"
	"printforge/internal/store"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	execCfg := config.LoadExecutorConfig()
	pushCfg := config.LoadPushConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open job store and result cache (shared SQLite database)
	jobStore, err := store.Open(svcCfg.DBPath)
	if err != nil {
		return err
	}
	defer jobStore.Close()
	slog.Info("Job store opened", "path", svcCfg.DBPath)

	cacheIndex, err := cache.New(jobStore.DB())
	if err != nil {
		return err
	}

	// Change notifier: every store transition fans out to subscribers
	notifier := notify.New(jobStore)
	defer notifier.Close()
	jobStore.OnChange(notifier.Publish)

	// Push queue for terminal notifications when nobody is watching
	var pushQueue *push.Queue
	if pushCfg.GatewayURL != "" {
		pushQueue = push.NewQueue(pushCfg, metrics)
	} else {
		slog.Warn("Push notifications disabled - no PUSH_GATEWAY_URL configured")
	}

	// Providers
	processors := map[string]provider.Processor{
		"slicer":  provider.NewSlicer(svcCfg.SlicerURL, execCfg.HTTPTimeout),
		"meshgen": provider.NewMeshGen(svcCfg.MeshGenURL, execCfg.HTTPTimeout),
	}
	providerNames := make([]string, 0, len(processors))
	readiness := make(map[string]health.ReadinessChecker, len(processors))
	for name, p := range processors {
		providerNames = append(providerNames, name)
		readiness[name] = p
	}

	// Artifact staging and output persistence
	stager := artifact.NewStager(svcCfg.StagingBaseURL, svcCfg.PublicBaseURL,
		blob.LocalFS{Root: svcCfg.BlobDir}, execCfg.HTTPTimeout)

	// Executor
	var pusher executor.TerminalPusher
	if pushQueue != nil {
		pusher = pushQueue
	}
	exec := executor.New(jobStore, cacheIndex, stager, processors, notifier, pusher, metrics, execCfg)

	// Re-adopt jobs left non-terminal by a previous run
	if svcCfg.ResumeOnStart {
		unfinished, err := jobStore.ListUnfinished(ctx)
		if err != nil {
			return err
		}
		for _, j := range unfinished {
			exec.Start(j)
		}
		if len(unfinished) > 0 {
			slog.Info("Resumed unfinished jobs", "count", len(unfinished))
		}
	}

	// Create health checker
	healthChecker := health.NewChecker(jobStore, readiness)

	// Create job service
	jobService := job.NewService(jobStore, cacheIndex, exec, providerNames, svcCfg.DefaultMaxRetries, metrics)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Notifier:      notifier,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server. No WriteTimeout: the events endpoint holds
	// long-lived SSE streams.
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Let in-flight jobs settle, then abandon the rest. Abandoned
	// jobs are re-adopted from the store on the next start.
	slog.Info("Waiting for in-flight jobs")
	execCtx, execCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer execCancel()
	if err := exec.Close(execCtx); err != nil {
		slog.Warn("Jobs still in flight at shutdown, they resume on restart", "error", err)
	}

	// Phase 4: Drain the push queue
	if pushQueue != nil {
		slog.Info("Draining push queue")
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pushCancel()
		if err := pushQueue.Close(pushCtx); err != nil {
			slog.Warn("Push queue shutdown error", "error", err)
		}

		stats := pushQueue.Stats()
		slog.Info("Push stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}
