// Package config loads the application configuration from a local YAML file
// or a remote URL, then applies environment variable overrides on top.
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/catalog"
	"github.com/modelmux/modelmux/utils/env"
)

// ProviderType names a supported provider adapter.
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// ProviderConfig declares one upstream provider: its credentials, scheduling
// parameters, and the model profiles it serves.
type ProviderConfig struct {
	// Registry name; must be unique across providers.
	Name string `yaml:"name"`

	// Which adapter to construct.
	Type ProviderType `yaml:"type"`

	// API key. Usually left empty here and injected via environment.
	APIKey string `yaml:"api_key,omitempty"`

	// Optional API endpoint override, e.g. for proxies.
	BaseURL string `yaml:"base_url,omitempty"`

	// Static fallback priority; higher is preferred.
	Priority int `yaml:"priority"`

	// Concurrency cap. 0 means unbounded.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// Per-attempt timeout. E.g. 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Model profiles registered into the catalog.
	Models []catalog.ModelProfile `yaml:"models"`
}

// RepairModelConfig names the low-temperature secondary model used for
// model-assisted output repair.
type RepairModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Config is the full application configuration.
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// CORS origins allowed on the HTTP API. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// Orchestration layer tuning: cache, budget, fallback, routing, repair,
	// metrics.
	Orchestrator modelmux.Config `yaml:"orchestrator"`

	// Upstream providers and their model catalogs.
	Providers []ProviderConfig `yaml:"providers"`

	// Optional secondary model for model-assisted repair.
	RepairModel *RepairModelConfig `yaml:"repair_model,omitempty"`
}

// LoadConfig reads configuration from path (or the CONFIG_SOURCE override,
// which may be an http(s) URL) and applies environment overrides.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Config{
		Port:         8080,
		Orchestrator: modelmux.DefaultConfig(),
	}

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Environment variables take precedence over the YAML file.
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.Orchestrator.Budget.DailyLimitUSD = env.OptionalFloatVariable(
		"DAILY_BUDGET_USD", config.Orchestrator.Budget.DailyLimitUSD)
	config.Orchestrator.Budget.MonthlyLimitUSD = env.OptionalFloatVariable(
		"MONTHLY_BUDGET_USD", config.Orchestrator.Budget.MonthlyLimitUSD)
	config.Orchestrator.Cache.DefaultTTL = env.OptionalDurationVariable(
		"CACHE_TTL", config.Orchestrator.Cache.DefaultTTL)

	for i := range config.Providers {
		p := &config.Providers[i]
		switch p.Type {
		case ProviderTypeOpenAI:
			p.APIKey = env.OptionalStringVariable("OPENAI_API_KEY", p.APIKey)
		case ProviderTypeAnthropic:
			p.APIKey = env.OptionalStringVariable("ANTHROPIC_API_KEY", p.APIKey)
		default:
			return nil, fmt.Errorf("unknown provider type %q for provider %q", p.Type, p.Name)
		}
		if p.Name == "" {
			p.Name = string(p.Type)
		}
	}

	return &config, nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
