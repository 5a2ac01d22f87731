package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testConfigYAML = `
port: 9090
allowed_origins:
  - https://app.example.com
orchestrator:
  budget:
    daily_limit_usd: 50
    monthly_limit_usd: 500
  cache:
    default_ttl: 5m
    max_entries: 1000
  repair:
    max_repair_attempts: 2
    strategy: rule_based
providers:
  - name: openai-primary
    type: openai
    priority: 10
    max_concurrent: 8
    timeout: 30s
    models:
      - provider: openai-primary
        model: gpt-4o
        performance:
          avg_latency: 800ms
          quality_score: 0.9
          reliability_score: 0.99
        pricing:
          input_per_1k_usd: 0.0025
          output_per_1k_usd: 0.01
  - type: anthropic
    priority: 5
    models: []
repair_model:
  provider: openai-primary
  model: gpt-4o-mini
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	logger := zap.NewNop().Sugar()

	t.Run("Parses the full file", func(t *testing.T) {
		config, err := LoadConfig(writeTestConfig(t, testConfigYAML), logger)
		require.NoError(t, err)

		assert.Equal(t, 9090, config.Port)
		assert.Equal(t, []string{"https://app.example.com"}, config.AllowedOrigins)
		assert.Equal(t, 50.0, config.Orchestrator.Budget.DailyLimitUSD)
		assert.Equal(t, 5*time.Minute, config.Orchestrator.Cache.DefaultTTL)
		assert.Equal(t, 2, config.Orchestrator.Repair.MaxRepairAttempts)

		require.Len(t, config.Providers, 2)
		primary := config.Providers[0]
		assert.Equal(t, "openai-primary", primary.Name)
		assert.Equal(t, ProviderTypeOpenAI, primary.Type)
		assert.Equal(t, 10, primary.Priority)
		assert.Equal(t, 30*time.Second, primary.Timeout)
		require.Len(t, primary.Models, 1)
		assert.Equal(t, "gpt-4o", primary.Models[0].Model)
		assert.Equal(t, 800*time.Millisecond, primary.Models[0].Performance.AvgLatency)

		require.NotNil(t, config.RepairModel)
		assert.Equal(t, "gpt-4o-mini", config.RepairModel.Model)
	})

	t.Run("Defaults apply when the file is minimal", func(t *testing.T) {
		config, err := LoadConfig(writeTestConfig(t, "providers: []\n"), logger)
		require.NoError(t, err)

		assert.Equal(t, 8080, config.Port)
		assert.Empty(t, config.Providers)
		assert.Nil(t, config.RepairModel)
	})

	t.Run("Environment overrides the file", func(t *testing.T) {
		t.Setenv("PORT", "7000")
		t.Setenv("DAILY_BUDGET_USD", "25.5")
		t.Setenv("CACHE_TTL", "90s")
		t.Setenv("OPENAI_API_KEY", "sk-from-env")
		t.Setenv("ANTHROPIC_API_KEY", "ak-from-env")

		config, err := LoadConfig(writeTestConfig(t, testConfigYAML), logger)
		require.NoError(t, err)

		assert.Equal(t, 7000, config.Port)
		assert.Equal(t, 25.5, config.Orchestrator.Budget.DailyLimitUSD)
		assert.Equal(t, 90*time.Second, config.Orchestrator.Cache.DefaultTTL)
		assert.Equal(t, "sk-from-env", config.Providers[0].APIKey)
		assert.Equal(t, "ak-from-env", config.Providers[1].APIKey)
	})

	t.Run("Unnamed providers default to their type", func(t *testing.T) {
		config, err := LoadConfig(writeTestConfig(t, testConfigYAML), logger)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", config.Providers[1].Name)
	})

	t.Run("Unknown provider type is rejected", func(t *testing.T) {
		bad := `
providers:
  - name: mystery
    type: carrier-pigeon
`
		_, err := LoadConfig(writeTestConfig(t, bad), logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "carrier-pigeon")
	})

	t.Run("Missing file is an error", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), logger)
		assert.Error(t, err)
	})
}
