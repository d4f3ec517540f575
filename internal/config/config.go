// Package config loads the dispatch core's environment-driven settings.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/example/ridellite/internal/matcher"
)

// Config is every environment-tunable knob the dispatch core reads at
// startup. Phase radii/TTLs default to the built-in phase table; the
// read limits and Earth radius have their own sensible defaults.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	JWTSecret   string

	Phases []matcher.PhaseConfig

	RidesHistoryLimit int
	OffersActiveLimit int
	// EarthRadiusKm is loaded but not passed to any component; distance
	// calculations use geo.EarthRadiusKm.
	EarthRadiusKm float64

	RateReadRPS    float64
	RateReadBurst  float64
	RateWriteRPS   float64
	RateWriteBurst float64
}

// Load reads Config from the environment, falling back to the dispatch contract's
// defaults for anything unset.
func Load() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getenv("GRPC_ADDR", ":9090"),
		PostgresDSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		JWTSecret:   getenv("JWT_SECRET", "dev-secret"),

		Phases: []matcher.PhaseConfig{
			{RadiusKm: parseFloatEnv("PHASE1_RADIUS_KM", 5), TTL: parseSecondsEnv("PHASE1_TTL_SECONDS", 15)},
			{RadiusKm: parseFloatEnv("PHASE2_RADIUS_KM", 5), TTL: parseSecondsEnv("PHASE2_TTL_SECONDS", 7)},
			{RadiusKm: parseFloatEnv("PHASE3_RADIUS_KM", 10), TTL: parseSecondsEnv("PHASE3_TTL_SECONDS", 12)},
		},

		RidesHistoryLimit: parseIntEnv("RIDES_HISTORY_LIMIT", 50),
		OffersActiveLimit: parseIntEnv("OFFERS_ACTIVE_LIMIT", 20),
		EarthRadiusKm:     parseFloatEnv("EARTH_RADIUS_KM", 6371),

		RateReadRPS:    parseFloatEnv("RATE_READ_RPS", 50),
		RateReadBurst:  parseFloatEnv("RATE_READ_BURST", 100),
		RateWriteRPS:   parseFloatEnv("RATE_WRITE_RPS", 10),
		RateWriteBurst: parseFloatEnv("RATE_WRITE_BURST", 20),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseSecondsEnv(key string, fallbackSeconds int) time.Duration {
	return time.Duration(parseIntEnv(key, fallbackSeconds)) * time.Second
}
