package config

import (
	"log/slog"
	"os"
)

// Config holds server configuration. Fields are limited to what
// cmd/govkernel actually reads: there is no SQL store in this module
// (the ledger is the system of record, see DESIGN.md) and no shadow
// deployment mode, so neither a database URL nor a shadow-mode flag
// belongs here.
type Config struct {
	Port          string
	LogLevel      string
	LLMServiceURL string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	llmURL := os.Getenv("LLM_SERVICE_URL")
	if llmURL == "" {
		// Default to LM Studio Local
		llmURL = "http://host.docker.internal:1234/v1/chat/completions"
	}

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		LLMServiceURL: llmURL,
	}
}

// SlogLevel parses LogLevel into a slog.Level, defaulting to Info for
// an empty or unrecognized value.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
