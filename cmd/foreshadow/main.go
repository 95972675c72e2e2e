package main

import (
	"context"
	"log"
	"time"

	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/guernica0131/foreshadow/internal/api/http"
	"github.com/guernica0131/foreshadow/internal/cache"
	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/config"
	"github.com/guernica0131/foreshadow/internal/forecast"
	"github.com/guernica0131/foreshadow/internal/grid"
	"github.com/guernica0131/foreshadow/internal/gribdec"
	"github.com/guernica0131/foreshadow/internal/ingest"
	"github.com/guernica0131/foreshadow/internal/scheduler"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared cache: Redis when configured, a bounded in-process cache
	// otherwise. A backend failure only ever degrades to recomputation.
	var backend cache.Backend
	if cfg.RedisAddr != "" {
		redisBackend := cache.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisBackend.Close()
		if err := redisBackend.Ping(context.Background()); err != nil {
			log.Printf("WARN: redis unreachable at startup, continuing degraded: %v", err)
		}
		backend = redisBackend
	} else {
		memBackend := cache.NewMemoryBackend(4096, time.Minute)
		defer memBackend.Close()
		backend = memBackend
	}
	facade := cache.NewFacade(backend)

	// Run catalog over the local grid-file tree.
	cat := catalog.New(cfg.GribPath, catalog.DefaultModels())

	// Grid decoding via the external gribber tool, with decoded datasets
	// kept resident up to the configured bound.
	dec := gribdec.New(os.Getenv("GRIBBER_PATH"), cat)
	accessor := grid.NewAccessor(dec, cfg.DatasetMaxEntries, cfg.DatasetMaxAge)

	// Computation engine.
	engine := forecast.New(cat, accessor, facade, forecast.Config{
		Workers:     cfg.Workers,
		UnitTimeout: cfg.UnitTimeout,
		TileSize:    cfg.TileSize,
		PointTTL:    cfg.PointTTL,
		TileTTL:     cfg.TileTTL,
	})

	// Archive ingest: periodic sweeps pull new runs, the catalog refreshes
	// its parameter registry from the files that landed.
	source := ingest.NewHTTPSource(cfg.ArchiveURL, ingest.ClientConfig{})
	downloader := ingest.NewDownloader(source, ingest.Config{
		Root:    cfg.GribPath,
		Models:  cat.Models(),
		MaxDays: cfg.RetentionDays,
	})
	sched := scheduler.New(downloader, cat, dec, cfg.SweepInterval)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "foreshadow",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
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

	var geocoder httpapi.Geocoder
	if cfg.GoogleAPIKey != "" {
		geocoder = httpapi.NewGoogleGeocoder(cfg.GoogleAPIKey)
	}

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Engine:         engine,
		Catalog:        cat,
		Geocoder:       geocoder,
		RequestTimeout: cfg.RequestTimeout,
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
