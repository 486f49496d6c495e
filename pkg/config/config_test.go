package config_test

import (
	"log/slog"
	"testing"

	"github.com/Mindburn-Labs/govkernel/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LLM_SERVICE_URL", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.LLMServiceURL, "host.docker.internal")
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LLM_SERVICE_URL", "http://remote-llm:8080/v1")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "http://remote-llm:8080/v1", cfg.LLMServiceURL)
}

func TestSlogLevelParsesKnownLevels(t *testing.T) {
	cfg := &config.Config{LogLevel: "WARN"}
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestSlogLevelDefaultsToInfoOnUnknownValue(t *testing.T) {
	cfg := &config.Config{LogLevel: "not-a-level"}
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
