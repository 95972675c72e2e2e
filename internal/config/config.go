package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port string

	// GribPath is the root of the local grid-file tree.
	GribPath string

	// Redis cache. An empty address disables the shared cache entirely.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Computation engine.
	Workers        int           // concurrent grid units, 0 = NumCPU
	UnitTimeout    time.Duration // per-unit deadline
	RequestTimeout time.Duration // whole-request deadline applied by the API layer
	TileSize       int           // raster edge length in pixels

	// Cache retention per product.
	PointTTL time.Duration
	TileTTL  time.Duration

	// Decoded-dataset residency.
	DatasetMaxEntries int
	DatasetMaxAge     time.Duration

	// Ingest.
	ArchiveURL    string
	SweepInterval time.Duration
	RetentionDays int

	// Geocoding for named-place point lookups.
	GoogleAPIKey string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.GribPath = getenvDefault("GRIB_FILES_PATH", "./grib")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getenvInt("REDIS_DB", 0)

	cfg.Workers = getenvInt("ENGINE_WORKERS", 0)
	cfg.TileSize = getenvInt("TILE_SIZE", 256)

	var err error
	if cfg.UnitTimeout, err = getenvDuration("UNIT_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getenvDuration("REQUEST_TIMEOUT", "2m"); err != nil {
		return nil, err
	}
	if cfg.PointTTL, err = getenvDuration("POINT_CACHE_TTL", "1h"); err != nil {
		return nil, err
	}
	if cfg.TileTTL, err = getenvDuration("TILE_CACHE_TTL", "15m"); err != nil {
		return nil, err
	}

	cfg.DatasetMaxEntries = getenvInt("DATASET_MAX_ENTRIES", 64)
	if cfg.DatasetMaxAge, err = getenvDuration("DATASET_MAX_AGE", "1h"); err != nil {
		return nil, err
	}

	cfg.ArchiveURL = getenvDefault("ARCHIVE_URL", "https://noaa-gfs-bdp-pds.s3.amazonaws.com")
	if cfg.SweepInterval, err = getenvDuration("SWEEP_INTERVAL", "15m"); err != nil {
		return nil, err
	}
	cfg.RetentionDays = getenvInt("RETENTION_DAYS", 5)

	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
