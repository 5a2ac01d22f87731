// Package modelmux is the request orchestration layer: one Complete call
// routes a request across the model catalog, gates it on budget, consults the
// response cache, executes it with provider fallback, and validates or
// repairs the output.
package modelmux

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/breaker"
	"github.com/modelmux/modelmux/budget"
	"github.com/modelmux/modelmux/cache"
	"github.com/modelmux/modelmux/catalog"
	"github.com/modelmux/modelmux/fallback"
	"github.com/modelmux/modelmux/monitoring"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/repair"
	"github.com/modelmux/modelmux/routing"
	"github.com/modelmux/modelmux/stats"
)

// Config aggregates every component's tuning. Zero values fall back to each
// component's defaults.
type Config struct {
	Cache     cache.Config      `yaml:"cache" json:"cache"`
	Budget    budget.Config     `yaml:"budget" json:"budget"`
	Fallback  fallback.Config   `yaml:"fallback" json:"fallback"`
	Reference routing.Reference `yaml:"routing" json:"routing"`
	Repair    repair.Options    `yaml:"repair" json:"repair"`
	Metrics   monitoring.Config `yaml:"metrics" json:"metrics"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Cache:     cache.DefaultConfig(),
		Budget:    budget.DefaultConfig(),
		Fallback:  fallback.DefaultConfig(),
		Reference: routing.DefaultReference(),
		Repair:    repair.DefaultOptions(),
		Metrics:   monitoring.DefaultConfig(),
	}
}

// Result is one completed request with full provenance: which provider
// served it, what it cost, and what the layer did along the way.
type Result struct {
	Text   string `json:"text"`
	Parsed any    `json:"parsed,omitempty"`

	ProviderUsed    string   `json:"provider_used"`
	ModelUsed       string   `json:"model_used"`
	AttemptsCount   int      `json:"attempts_count"`
	FailedProviders []string `json:"failed_providers,omitempty"`
	RoutingReason   string   `json:"routing_reason"`

	RepairAttempts int  `json:"repair_attempts,omitempty"`
	Repaired       bool `json:"repaired,omitempty"`
	FromCache      bool `json:"from_cache,omitempty"`

	TokensUsed   int32         `json:"tokens_used"`
	CostUSD      float64       `json:"cost_usd"`
	TotalLatency time.Duration `json:"total_latency"`

	Decision *routing.Decision `json:"decision,omitempty"`
}

// Orchestrator wires the catalog, router, budget ledger, cache, fallback
// executor, and repairer behind one Complete entry point. All state is
// in-memory and lost on restart; deployments needing durable spend records
// must drain Ledger().Records() themselves.
type Orchestrator struct {
	catalog  *catalog.Catalog
	tracker  *stats.Tracker
	engine   *routing.Engine
	executor *fallback.Executor
	ledger   *budget.Ledger
	cache    *cache.Cache
	repairer *repair.Repairer
	metrics  *monitoring.Metrics

	clock  clock.Clock
	logger *zap.SugaredLogger
	stops  []func()
}

// New creates an orchestrator on the wall clock.
func New(config Config, logger *zap.SugaredLogger) *Orchestrator {
	return NewWithClock(config, clock.New(), logger)
}

// NewWithClock creates an orchestrator with an injected clock for tests.
// Background sweeps (cache expiry, ledger pruning) start immediately; Close
// stops them.
func NewWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Orchestrator {
	cat := catalog.New(logger)
	tracker := stats.NewTrackerWithClock(clk)
	responseCache, stopCache := cache.NewWithClock(config.Cache, clk, logger)
	ledger, stopLedger := budget.NewWithClock(config.Budget, clk, logger)
	metrics := monitoring.NewMetrics(config.Metrics, logger)

	executor := fallback.NewExecutorWithClock(config.Fallback, tracker, clk, logger)
	executor.OnBreakerChange(func(providerName string, from breaker.State, to breaker.State) {
		metrics.SetBreakerState(providerName, to)
		logger.Infow("Circuit state changed",
			"provider", providerName, "from", from, "to", to)
	})

	return &Orchestrator{
		catalog:  cat,
		tracker:  tracker,
		engine:   routing.NewEngineWithClock(cat, tracker, config.Reference, clk, logger),
		executor: executor,
		ledger:   ledger,
		cache:    responseCache,
		repairer: repair.NewRepairer(config.Repair, logger),
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
		stops:    []func(){stopCache, stopLedger},
	}
}

// Close stops the background sweeps.
func (o *Orchestrator) Close() {
	for _, stop := range o.stops {
		stop()
	}
}

// Catalog exposes the model catalog for registration and inspection.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.catalog }

// Ledger exposes the budget ledger.
func (o *Orchestrator) Ledger() *budget.Ledger { return o.ledger }

// Cache exposes the response cache.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Engine exposes the routing engine.
func (o *Orchestrator) Engine() *routing.Engine { return o.engine }

// Executor exposes the fallback executor.
func (o *Orchestrator) Executor() *fallback.Executor { return o.executor }

// Metrics exposes the Prometheus metric set; nil when metrics are disabled.
func (o *Orchestrator) Metrics() *monitoring.Metrics { return o.metrics }

// RegisterProvider registers a provider with the executor and its model
// profiles with the catalog.
func (o *Orchestrator) RegisterProvider(entry fallback.Entry, profiles []catalog.ModelProfile) error {
	if err := o.executor.Register(entry); err != nil {
		return err
	}
	for i := range profiles {
		if err := o.catalog.Register(&profiles[i]); err != nil {
			return err
		}
	}
	return nil
}

// UseRepairModel configures one low-temperature secondary model for
// model-assisted repair. Without it, repair is rule-based only.
func (o *Orchestrator) UseRepairModel(options repair.Options, secondary provider.Provider, model string) {
	o.repairer = repair.NewRepairerWithModel(options, secondary, model, o.logger)
}

// Stats is the aggregate operational snapshot served on the stats endpoint.
type Stats struct {
	Providers map[string]stats.ProviderStats `json:"providers"`
	Cache     cache.Stats                    `json:"cache"`
	Budget    budget.Status                  `json:"budget"`
	Breakers  map[string]string              `json:"breakers"`
	Models    int                            `json:"models"`
}

// Snapshot gathers the current operational state across every component.
func (o *Orchestrator) Snapshot() Stats {
	return Stats{
		Providers: o.tracker.Snapshot(),
		Cache:     o.cache.Stats(),
		Budget:    o.ledger.Status(),
		Breakers:  o.executor.BreakerStates(),
		Models:    o.catalog.Len(),
	}
}

// Complete runs one request end to end. Pinned requests skip routing and may
// be served from cache before any scoring; routed requests consult the cache
// for the selected and every alternative candidate after the routing
// decision, since the cache key needs a concrete provider and model. A hit on
// an alternative (cached after an earlier fallback) is still a hit.
func (o *Orchestrator) Complete(ctx context.Context, req *routing.Request) (*Result, error) {
	start := o.clock.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	prompt := provider.PromptText(req.Messages)

	var decision *routing.Decision
	var candidates []fallback.Candidate
	var estimatedCostUSD float64

	if req.Pinned() {
		candidates = []fallback.Candidate{{Provider: req.PinProvider, Model: req.PinModel}}
		if profile, ok := o.catalog.Get(req.PinProvider, req.PinModel); ok {
			estimatedCostUSD = o.engine.EstimateFor(req, profile).CostUSD
		}
	} else {
		var err error
		decision, err = o.engine.Route(req)
		if err != nil {
			return nil, err
		}
		o.metrics.RecordRoutingDecision(string(decision.Strategy), string(decision.Reason))
		estimatedCostUSD = decision.EstimatedCostUSD

		candidates = append(candidates, fallback.Candidate{
			Provider: decision.Selected.Provider,
			Model:    decision.Selected.Model,
		})
		for _, alt := range decision.Alternatives {
			candidates = append(candidates, fallback.Candidate{
				Provider: alt.Profile.Provider,
				Model:    alt.Profile.Model,
			})
		}
	}

	if result, ok := o.cacheLookup(ctx, req, candidates, prompt, start); ok {
		result.Decision = decision
		return result, nil
	}

	if _, err := o.ledger.Check(estimatedCostUSD, req.UserID, req.WorkflowID); err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			o.metrics.RecordBudgetRejection(string(exceeded.Scope))
		}
		o.logger.Warnw("Request rejected by budget gate",
			"request_id", req.ID, "estimated_cost_usd", estimatedCostUSD, "error", err)
		return nil, err
	}

	execution, err := o.executor.Execute(ctx, &fallback.Request{
		Candidates: candidates,
		Generate: provider.GenerateRequest{
			Messages:       req.Messages,
			ResponseFormat: responseFormatFor(req),
		},
	})
	if err != nil {
		var allFailed *fallback.AllProvidersFailedError
		if errors.As(err, &allFailed) {
			o.recordFailures(req, candidates, allFailed.Attempted, start)
		}
		return nil, err
	}

	o.ledger.Record(budget.UsageRecord{
		Provider:   execution.ProviderUsed,
		Model:      execution.ModelUsed,
		Tokens:     execution.Response.Usage.TokensUsed,
		CostUSD:    execution.Response.Usage.CostUSD,
		RequestID:  req.ID,
		UserID:     req.UserID,
		WorkflowID: req.WorkflowID,
	})
	o.catalog.RecordOutcome(execution.ProviderUsed, execution.ModelUsed, execution.TotalLatency, true)
	for _, failedProvider := range execution.FailedAttempts {
		o.catalog.RecordOutcome(failedProvider, modelFor(candidates, failedProvider), 0, false)
	}
	o.metrics.RecordRequest(execution.ProviderUsed, execution.ModelUsed,
		execution.TotalLatency, execution.Response.Usage.TokensUsed,
		execution.Response.Usage.CostUSD, true)
	o.metrics.RecordFallbackDepth(execution.AttemptsCount)

	result := &Result{
		Text:            execution.Response.Text,
		ProviderUsed:    execution.ProviderUsed,
		ModelUsed:       execution.ModelUsed,
		AttemptsCount:   execution.AttemptsCount,
		FailedProviders: execution.FailedProviders,
		RoutingReason:   execution.RoutingReason,
		TokensUsed:      execution.Response.Usage.TokensUsed,
		CostUSD:         execution.Response.Usage.CostUSD,
		Decision:        decision,
	}
	if decision != nil {
		result.RoutingReason = string(decision.Reason)
	}

	if err := o.validateResult(ctx, req, result); err != nil {
		o.metrics.RecordRepair("failed")
		result.TotalLatency = o.clock.Now().Sub(start)
		return result, err
	}

	o.cache.Put(execution.ProviderUsed, execution.ModelUsed, prompt,
		result.Text, result.TokensUsed, result.CostUSD, 0)

	result.TotalLatency = o.clock.Now().Sub(start)
	o.logger.Infow("Request completed",
		"request_id", req.ID,
		"provider", result.ProviderUsed,
		"model", result.ModelUsed,
		"attempts", result.AttemptsCount,
		"cost_usd", result.CostUSD,
		"latency", result.TotalLatency)
	return result, nil
}

// cacheLookup checks the response cache for each candidate in order and, on a
// hit, assembles the full result including schema validation.
func (o *Orchestrator) cacheLookup(ctx context.Context, req *routing.Request, candidates []fallback.Candidate, prompt string, start time.Time) (*Result, bool) {
	for _, cand := range candidates {
		entry, ok := o.cache.Get(cand.Provider, cand.Model, prompt)
		if !ok {
			continue
		}

		result := &Result{
			Text:          entry.Response,
			ProviderUsed:  cand.Provider,
			ModelUsed:     cand.Model,
			RoutingReason: "cache_hit",
			FromCache:     true,
			TokensUsed:    entry.Tokens,
		}
		if err := o.validateResult(ctx, req, result); err != nil {
			// A cached response that no longer validates is not a hit.
			o.logger.Warnw("Cached response failed validation",
				"request_id", req.ID, "provider", cand.Provider, "error", err)
			continue
		}
		o.metrics.RecordCacheHit(entry.CostUSD)
		result.TotalLatency = o.clock.Now().Sub(start)
		return result, true
	}
	o.metrics.RecordCacheMiss()
	return nil, false
}

// validateResult runs the repair loop when the request carries a response
// schema, filling Parsed and the repair provenance.
func (o *Orchestrator) validateResult(ctx context.Context, req *routing.Request, result *Result) error {
	if req.ResponseSchema == nil {
		return nil
	}
	schema, err := repair.SchemaFromMap(req.ResponseSchema)
	if err != nil {
		return err
	}
	parsed, outcome, err := o.repairer.Process(ctx, result.Text, schema)
	result.RepairAttempts = outcome.Attempts
	result.Repaired = outcome.Repaired
	if err != nil {
		return err
	}
	result.Parsed = parsed
	if outcome.Repaired {
		o.metrics.RecordRepair("repaired")
	} else if !result.FromCache {
		o.metrics.RecordRepair("clean")
	}
	return nil
}

// recordFailures propagates a fully failed execution into the catalog and
// metrics so future routing sees it. Only providers that were actually called
// take a reliability penalty; candidates skipped for an open breaker or
// saturation already carry their earlier outcomes.
func (o *Orchestrator) recordFailures(req *routing.Request, candidates []fallback.Candidate, attempted []string, start time.Time) {
	elapsed := o.clock.Now().Sub(start)
	for _, name := range attempted {
		model := modelFor(candidates, name)
		o.catalog.RecordOutcome(name, model, 0, false)
		o.metrics.RecordRequest(name, model, elapsed, 0, 0, false)
	}
	o.logger.Errorw("Request failed on all candidates",
		"request_id", req.ID, "attempted", len(attempted), "latency", elapsed)
}

func responseFormatFor(req *routing.Request) *provider.ResponseFormat {
	if req.ResponseSchema == nil {
		return nil
	}
	return &provider.ResponseFormat{Type: "json_object"}
}

func modelFor(candidates []fallback.Candidate, providerName string) string {
	for _, cand := range candidates {
		if cand.Provider == providerName {
			return cand.Model
		}
	}
	return ""
}
