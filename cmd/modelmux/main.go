package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/catalog"
	"github.com/modelmux/modelmux/config"
	"github.com/modelmux/modelmux/fallback"
	"github.com/modelmux/modelmux/provider"
	anthropicProvider "github.com/modelmux/modelmux/provider/anthropic"
	openaiProvider "github.com/modelmux/modelmux/provider/openai"
	"github.com/modelmux/modelmux/server"
	"github.com/modelmux/modelmux/utils"
)

func buildProvider(providerConfig config.ProviderConfig, logger *zap.SugaredLogger) (provider.Provider, error) {
	pricing := make(map[string]provider.Pricing, len(providerConfig.Models))
	for _, model := range providerConfig.Models {
		pricing[model.Model] = provider.Pricing{
			InputPer1KUSD:  model.Pricing.InputPer1KUSD,
			OutputPer1KUSD: model.Pricing.OutputPer1KUSD,
			PerRequestUSD:  model.Pricing.PerRequestUSD,
		}
	}

	switch providerConfig.Type {
	case config.ProviderTypeOpenAI:
		return openaiProvider.New(openaiProvider.Config{
			Name:    providerConfig.Name,
			APIKey:  providerConfig.APIKey,
			BaseURL: providerConfig.BaseURL,
			Pricing: pricing,
		}, logger), nil
	case config.ProviderTypeAnthropic:
		return anthropicProvider.New(anthropicProvider.Config{
			Name:    providerConfig.Name,
			APIKey:  providerConfig.APIKey,
			BaseURL: providerConfig.BaseURL,
			Pricing: pricing,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", providerConfig.Type)
	}
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	orchestrator := modelmux.New(cfg.Orchestrator, sugar)
	defer orchestrator.Close()

	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for _, providerConfig := range cfg.Providers {
		client, err := buildProvider(providerConfig, sugar)
		if err != nil {
			sugar.Fatalw("Failed to build provider", "provider", providerConfig.Name, "error", err)
		}
		providers[providerConfig.Name] = client

		profiles := make([]catalog.ModelProfile, len(providerConfig.Models))
		for i, model := range providerConfig.Models {
			profiles[i] = model
			profiles[i].Provider = providerConfig.Name
		}
		models := make([]string, len(providerConfig.Models))
		for i, model := range providerConfig.Models {
			models[i] = model.Model
		}

		if err := orchestrator.RegisterProvider(fallback.Entry{
			Provider:      client,
			Priority:      providerConfig.Priority,
			Models:        models,
			MaxConcurrent: providerConfig.MaxConcurrent,
			Timeout:       providerConfig.Timeout,
		}, profiles); err != nil {
			sugar.Fatalw("Failed to register provider", "provider", providerConfig.Name, "error", err)
		}
	}

	if cfg.RepairModel != nil {
		secondary, ok := providers[cfg.RepairModel.Provider]
		if !ok {
			sugar.Fatalw("Repair model references unknown provider",
				"provider", cfg.RepairModel.Provider)
		}
		orchestrator.UseRepairModel(cfg.Orchestrator.Repair, secondary, cfg.RepairModel.Model)
	}

	httpServer := server.New(orchestrator, server.Config{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
	}, sugar)

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
