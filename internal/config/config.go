// Package config provides configuration management for Keepsake.
// It loads settings from environment variables with the KEEPSAKE_ prefix
// and provides sensible defaults for all configuration options.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration settings for the Keepsake memory service.
type Config struct {
	Storage StorageConfig
	Engine  EngineConfig
	Extract ExtractConfig
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine string // Storage engine type: sqlite, postgres (default: sqlite)
	DataPath      string // Path to data directory for sqlite and event files (default: ./data)
	PostgresDSN   string // PostgreSQL connection string, required when StorageEngine is postgres
}

// EngineConfig contains memory engine configuration.
type EngineConfig struct {
	RenderEpisodeCount int // Recent episodes included in the rendered document (default: 10)
}

// ExtractConfig contains conversation extraction configuration.
type ExtractConfig struct {
	RatePerMinute int // Extraction calls allowed per minute (default: 30)
	Burst         int // Rate limiter burst size (default: 5)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the KEEPSAKE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			StorageEngine: getEnv("KEEPSAKE_STORAGE_ENGINE", "sqlite"),
			DataPath:      getEnv("KEEPSAKE_DATA_PATH", "./data"),
			PostgresDSN:   getEnv("KEEPSAKE_POSTGRES_DSN", ""),
		},
		Engine: EngineConfig{
			RenderEpisodeCount: getEnvInt("KEEPSAKE_RENDER_EPISODE_COUNT", 10),
		},
		Extract: ExtractConfig{
			RatePerMinute: getEnvInt("KEEPSAKE_EXTRACT_RATE_PER_MINUTE", 30),
			Burst:         getEnvInt("KEEPSAKE_EXTRACT_BURST", 5),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.StorageEngine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.StorageEngine)
	}
	if c.Storage.StorageEngine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: KEEPSAKE_POSTGRES_DSN is required for the postgres engine")
	}
	if c.Engine.RenderEpisodeCount < 1 {
		return fmt.Errorf("config: render episode count must be >= 1, got %d", c.Engine.RenderEpisodeCount)
	}
	if c.Extract.RatePerMinute < 1 || c.Extract.Burst < 1 {
		return fmt.Errorf("config: extraction rate and burst must be >= 1")
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
