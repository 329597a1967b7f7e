package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrops-br/product-catalog-api/internal/app/service"
	"github.com/mrops-br/product-catalog-api/internal/app/worker"
	"github.com/mrops-br/product-catalog-api/internal/domain"
	fsblob "github.com/mrops-br/product-catalog-api/internal/infrastructure/blob/filesystem"
	jsblob "github.com/mrops-br/product-catalog-api/internal/infrastructure/blob/jetstream"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/config"
	apphttp "github.com/mrops-br/product-catalog-api/internal/infrastructure/http"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/http/handler"
	memoryqueue "github.com/mrops-br/product-catalog-api/internal/infrastructure/queue/memory"
	natsqueue "github.com/mrops-br/product-catalog-api/internal/infrastructure/queue/nats"
	memoryrepo "github.com/mrops-br/product-catalog-api/internal/infrastructure/repository/memory"
	sqliterepo "github.com/mrops-br/product-catalog-api/internal/infrastructure/repository/sqlite"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/telemetry"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize OpenTelemetry
	var telem *telemetry.Telemetry
	if cfg.OTLP.Disabled {
		telem = telemetry.NewNoOpTelemetry(&cfg.OTLP)
	} else {
		var err error
		telem, err = telemetry.NewTelemetry(&cfg.OTLP)
		if err != nil {
			log.Fatalf("Failed to initialize telemetry: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ensure telemetry is shutdown on exit
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}()

	tracer := telem.TracerProvider.Tracer("product-catalog-api")
	meter := telem.MeterProvider.Meter("product-catalog-api")
	logger := telem.Logger

	logger.Info("Starting product catalog API")

	// Initialize repository (dependency injection)
	var repo domain.ProductRepository
	switch cfg.Repo.Driver {
	case "memory":
		repo = memoryrepo.NewProductRepository(tracer, logger)
	default:
		db, err := sqliterepo.Open(cfg.Repo.DBPath)
		if err != nil {
			logger.Error("Failed to open database", "error", err.Error())
			os.Exit(1)
		}
		repo = sqliterepo.NewProductRepository(db, tracer, logger)
	}

	// Initialize blob store
	var blobs domain.BlobStore
	switch cfg.Blob.Driver {
	case "jetstream":
		store, err := jsblob.NewStore(ctx, cfg.Queue.NATSURL, cfg.Blob.Bucket, tracer, logger)
		if err != nil {
			logger.Error("Failed to initialize blob store", "error", err.Error())
			os.Exit(1)
		}
		defer store.Close()
		blobs = store
	default:
		store, err := fsblob.NewStore(cfg.Blob.Dir, tracer, logger)
		if err != nil {
			logger.Error("Failed to initialize blob store", "error", err.Error())
			os.Exit(1)
		}
		blobs = store
	}

	// Initialize job queue
	var jobQueue domain.JobQueue
	switch cfg.Queue.Driver {
	case "nats":
		queue := natsqueue.NewQueue(natsqueue.Config{
			URL:         cfg.Queue.NATSURL,
			MaxPending:  int64(cfg.Queue.MaxPending),
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
			AckWait:     cfg.Queue.AckWait,
		}, tracer, meter, logger)
		if err := queue.Connect(ctx); err != nil {
			logger.Error("Failed to connect job queue", "error", err.Error())
			os.Exit(1)
		}
		defer queue.Close()
		jobQueue = queue
	default:
		queue := memoryqueue.NewQueue(memoryqueue.Config{
			MaxPending:  cfg.Queue.MaxPending,
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
			AckWait:     cfg.Queue.AckWait,
		}, tracer, meter, logger)
		queue.Start(ctx)
		jobQueue = queue
	}

	// Initialize service
	productService := service.NewProductService(repo, blobs, jobQueue, tracer, meter, logger)

	// Start the ingest workers
	pool := worker.NewPool(cfg.Worker.Count, jobQueue, repo, blobs, tracer, meter, logger)
	pool.Start(ctx)

	// Initialize handler
	productHandler := handler.NewProductHandler(productService, logger)

	// Initialize HTTP server
	server := apphttp.NewServer(&cfg.Server, productHandler, tracer, logger, telem)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", "error", err.Error())
			cancel()
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down server...")
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err.Error())
	}

	// Stop the workers and wait for inflight jobs to settle
	cancel()
	pool.Wait()

	logger.Info("Server stopped")
}
