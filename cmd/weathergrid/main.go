package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/weathergrid/weathergrid/internal/aggregate"
	httpapi "github.com/weathergrid/weathergrid/internal/api/http"
	"github.com/weathergrid/weathergrid/internal/collector"
	"github.com/weathergrid/weathergrid/internal/config"
	"github.com/weathergrid/weathergrid/internal/grid"
	"github.com/weathergrid/weathergrid/internal/provider"
	"github.com/weathergrid/weathergrid/internal/scheduler"
	"github.com/weathergrid/weathergrid/internal/schema"
	"github.com/weathergrid/weathergrid/internal/store"
	"github.com/weathergrid/weathergrid/internal/weather"
)

func main() {
	// Load configuration (godotenv autoload happens inside).
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Storage.
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	// Schema manager over the stored column registry.
	schemaMgr, err := schema.NewManager(ctx, db)
	if err != nil {
		log.Fatalf("failed to initialize schema manager: %v", err)
	}

	// Grid index; populate when empty or a regenerate is requested.
	gridIndex, err := grid.NewIndex(cfg.Region, cfg.SubRegions, db)
	if err != nil {
		log.Fatalf("failed to create grid index: %v", err)
	}
	if err := ensureGrid(ctx, gridIndex, db, cfg); err != nil {
		log.Fatalf("failed to populate grid: %v", err)
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	// Providers behind the shared batch-fetch capability.
	provs := []weather.Provider{
		provider.NewOpenMeteoProvider(httpClient),
	}
	if cfg.WeatherAPIKey != "" {
		provs = append(provs, provider.NewWeatherAPIProvider(httpClient, cfg.WeatherAPIKey))
	}

	// Collector and read-side service.
	coll := collector.New(db, schemaMgr)
	agg := aggregate.New(db, cfg.Precedence)
	service := weather.NewService(db, agg)

	runCycle := func(ctx context.Context) (collector.Summary, error) {
		points, err := gridIndex.Points(ctx)
		if err != nil {
			return collector.Summary{}, err
		}
		return coll.Collect(ctx, points, provs, collector.Options{
			BatchSize:      cfg.BatchSize,
			Fields:         cfg.Fields,
			RateDelay:      cfg.RateDelay,
			RateLimitWait:  cfg.RateLimitWait,
			RetryCeiling:   cfg.RetryCeiling,
			Backoff:        cfg.Backoff,
			RequestTimeout: cfg.RequestTimeout,
		})
	}

	// Scheduler driving periodic collection cycles.
	sched := scheduler.New(cfg.CollectInterval, runCycle)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "weathergrid",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weathergrid",
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, service)

	// Start server with graceful shutdown
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Port
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}

// ensureGrid generates and persists the point grid when the database has none
// or a regenerate was requested. Collection never starts against a
// half-populated grid: Populate is transactional and a failure aborts startup.
func ensureGrid(ctx context.Context, ix *grid.Index, db *store.DB, cfg *config.AppConfig) error {
	count, err := db.GridPointCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 && !cfg.RegenerateGrid {
		log.Printf("grid: using existing grid of %d points", count)
		return nil
	}

	var points []grid.Point
	if cfg.TargetPoints > 0 {
		var spacing float64
		points, spacing, err = ix.GenerateTargetCount(cfg.TargetPoints)
		if err != nil {
			return err
		}
		log.Printf("grid: generated %d points (target %d, solved spacing %.2f km)",
			len(points), cfg.TargetPoints, spacing)
	} else {
		points, err = ix.GenerateFixedSpacing(cfg.SpacingKm)
		if err != nil {
			return err
		}
		log.Printf("grid: generated %d points at %.2f km spacing", len(points), cfg.SpacingKm)
	}

	return ix.Populate(ctx, points)
}
