// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath  string
	LogLevel      string
	MaxConcurrent int
	HTTPTimeout   time.Duration
	MaxRetries    int
	TickInterval  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/newsriver.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	maxConcurrent, err := intEnv("MAX_CONCURRENT_SCRAPES", 3)
	if err != nil {
		return nil, err
	}

	timeoutSeconds, err := intEnv("HTTP_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	maxRetries, err := intEnv("MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	tickSeconds, err := intEnv("TICK_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabasePath:  dbPath,
		LogLevel:      logLevel,
		MaxConcurrent: maxConcurrent,
		HTTPTimeout:   time.Duration(timeoutSeconds) * time.Second,
		MaxRetries:    maxRetries,
		TickInterval:  time.Duration(tickSeconds) * time.Second,
	}, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", name, n)
	}
	return n, nil
}
