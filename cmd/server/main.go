// Package main is the entry point for the pseudobulk DS server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbulk/server/internal/api"
	"github.com/pbulk/server/internal/cache"
	"github.com/pbulk/server/internal/config"
	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting DS server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		AggregateCacheSizeMB: cfg.Cache.AggregateSizeMB,
		AggregateTTL:         time.Duration(cfg.Cache.AggregateTTLMinutes) * time.Minute,
		ResultCacheSize:      cfg.Cache.ResultCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		dc := cfg.Data.Datasets[datasetID]

		var table *scexpr.Table
		switch {
		case dc.NpyPath != "":
			table, err = scexpr.LoadTableNpy(dc.NpyPath, dc.GenesPath, dc.CellsPath, dc.ObsPath)
		case dc.ZarrPath != "":
			table, err = scexpr.LoadTableZarr(dc.ZarrPath, dc.ObsPath)
		case dc.CountsPath != "":
			table, err = scexpr.LoadTable(dc.CountsPath, dc.ObsPath)
		default:
			log.Fatalf("Dataset %q has no counts_path, npy_path, or zarr_path configured", datasetID)
		}
		if err != nil {
			log.Fatalf("Failed to load dataset %q: %v", datasetID, err)
		}

		log.Printf("  [%s] Genes: %d, Cells: %d", datasetID, table.NGenes(), table.NCells())

		registry.Register(datasetID, service.NewDataset(datasetID, table, cacheManager))
	}

	// Initialize job manager for DS jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.DS.MaxConcurrent,
		SQLitePath:    cfg.DS.SQLitePath,
		RetentionDays: cfg.DS.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("DS job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.DS.MaxConcurrent, cfg.DS.RetentionDays, cfg.DS.SQLitePath)

	// Wire up DS service as job executor
	dsService := service.NewDSService(registry, cfg.DS.Workers)
	jobManager.Executor = dsService.ExecuteDSJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
