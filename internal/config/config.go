// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir      string // Base directory for the database and docs (always absolute)
	Port         int
	DevMode      bool
	LogLevel     string
	FredAPIKey   string
	OFRFSIURL    string
	RegistryPath string // Optional YAML registry seed, loaded at startup when set
	DocsPath     string // indicator-registry.md used by the agent doc tools
	IngestCron   string // Cron expression for the periodic ingest run; empty disables

	LLMProvider      string // mock, openai, openrouter
	LLMAPIKey        string
	LLMModel         string
	LLMBaseURL       string
	OpenRouterAPIKey string
}

// Load reads configuration from environment variables (and .env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		Port:         getEnvAsInt("PORT", 8000),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		FredAPIKey:   getEnv("FRED_API_KEY", ""),
		OFRFSIURL:    getEnv("OFR_FSI_URL", ""),
		RegistryPath: getEnv("REGISTRY_PATH", ""),
		DocsPath:     getEnv("DOCS_PATH", filepath.Join(absDataDir, "docs", "indicator-registry.md")),
		IngestCron:   getEnv("INGEST_CRON", ""),

		LLMProvider:      getEnv("LLM_PROVIDER", "mock"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", ""),
		LLMBaseURL:       getEnv("LLM_BASE_URL", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
	}

	return cfg, nil
}

// DatabasePath returns the SQLite file location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "liquidity.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
