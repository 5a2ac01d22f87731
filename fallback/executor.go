// Package fallback orchestrates the end-to-end attempt: it walks a ranked
// provider candidate list, skips providers whose breaker is off or whose
// concurrency cap is reached, races each call against a per-provider timeout,
// and records every outcome into the shared metrics and breakers.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/breaker"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/stats"
)

const tracerName = "github.com/modelmux/modelmux/fallback"

// TimeoutError means one provider attempt exceeded its timeout. Recovered
// locally by moving to the next candidate.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Provider, e.Timeout)
}

// CircuitOpenError means the provider's breaker refused the attempt.
// Recovered locally by moving to the next candidate.
type CircuitOpenError struct {
	Provider string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s", e.Provider)
}

// AllProvidersFailedError is the terminal failure: the candidate list is
// exhausted and none served. Attempted lists the providers that were actually
// called; candidates skipped for an open breaker or saturation are not in it.
type AllProvidersFailedError struct {
	Attempted []string
	Elapsed   time.Duration
	LastErr   error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed after %s: [%s]", e.Elapsed, strings.Join(e.Attempted, ", "))
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}

// Entry registers a provider with the executor.
type Entry struct {
	Provider provider.Provider

	// Static scheduling priority; higher is preferred.
	Priority int

	// Models this provider can serve.
	Models []string

	// Concurrency cap. 0 means unbounded.
	MaxConcurrent int

	// Per-attempt timeout. 0 uses the executor default.
	Timeout time.Duration
}

func (e *Entry) servesModel(model string) bool {
	if len(e.Models) == 0 {
		return true
	}
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Candidate is one (provider, model) pair the executor should try, in order.
// A routing decision produces these; standalone callers may leave Candidates
// empty and let the executor build its own list.
type Candidate struct {
	Provider string
	Model    string
}

// Request describes one execution.
type Request struct {
	Model    string
	Generate provider.GenerateRequest

	// Ranked candidates from a routing decision. When empty, the executor
	// builds the list from its registry: providers serving Model, filtered by
	// the preference lists, ordered by priority + performance score.
	Candidates []Candidate

	PreferredProviders []string
	ExcludedProviders  []string
}

// Result carries the winning response with full attempt provenance.
type Result struct {
	Response      *provider.GenerateResponse
	ProviderUsed  string
	ModelUsed     string
	AttemptsCount int

	// Every candidate that did not serve, including those skipped for an
	// open breaker or saturation.
	FailedProviders []string

	// Candidates that were actually called and returned an error.
	FailedAttempts []string

	TotalLatency  time.Duration
	RoutingReason string
}

// Config tunes the executor.
type Config struct {
	// Applied when an entry has no timeout of its own.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	Breaker breaker.Config `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		Breaker:        breaker.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	return c
}

// Executor owns the registered providers and one breaker per provider.
type Executor struct {
	mu       sync.RWMutex
	config   Config
	entries  map[string]*Entry
	breakers map[string]*breaker.Breaker
	tracker  *stats.Tracker
	clock    clock.Clock
	tracer   trace.Tracer
	logger   *zap.SugaredLogger

	onBreakerChange func(providerName string, from breaker.State, to breaker.State)
}

// NewExecutor creates an executor using the wall clock.
func NewExecutor(config Config, tracker *stats.Tracker, logger *zap.SugaredLogger) *Executor {
	return NewExecutorWithClock(config, tracker, clock.New(), logger)
}

// NewExecutorWithClock creates an executor with an injected clock for tests.
func NewExecutorWithClock(config Config, tracker *stats.Tracker, clk clock.Clock, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		config:   config.withDefaults(),
		entries:  make(map[string]*Entry),
		breakers: make(map[string]*breaker.Breaker),
		tracker:  tracker,
		clock:    clk,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
}

// OnBreakerChange registers a hook observing every breaker transition.
func (x *Executor) OnBreakerChange(hook func(providerName string, from breaker.State, to breaker.State)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.onBreakerChange = hook
}

// Register adds a provider entry and its breaker. Re-registering a provider
// replaces the entry but keeps the existing breaker state.
func (x *Executor) Register(entry Entry) error {
	if entry.Provider == nil {
		return fmt.Errorf("entry must carry a provider")
	}
	name := entry.Provider.Name()

	x.mu.Lock()
	defer x.mu.Unlock()

	x.entries[name] = &entry
	if _, exists := x.breakers[name]; !exists {
		brk := breaker.NewWithClock(x.config.Breaker, x.clock)
		if x.onBreakerChange != nil {
			hook := x.onBreakerChange
			brk.OnStateChange(func(from breaker.State, to breaker.State) {
				hook(name, from, to)
			})
		}
		x.breakers[name] = brk
	}

	x.logger.Infow("Provider registered",
		"provider", name, "priority", entry.Priority, "models", len(entry.Models))
	return nil
}

// Breaker returns the breaker for a provider, for inspection.
func (x *Executor) Breaker(providerName string) (*breaker.Breaker, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	brk, ok := x.breakers[providerName]
	return brk, ok
}

// BreakerStates returns every provider's current breaker state.
func (x *Executor) BreakerStates() map[string]string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	states := make(map[string]string, len(x.breakers))
	for name, brk := range x.breakers {
		states[name] = brk.State().String()
	}
	return states
}

// buildCandidates assembles the ordered candidate list for a request. An
// explicit ranked list wins; otherwise registered providers serving the model
// are filtered by the preference lists and sorted by priority plus
// performance score.
func (x *Executor) buildCandidates(req *Request) []Candidate {
	if len(req.Candidates) > 0 {
		out := make([]Candidate, 0, len(req.Candidates))
		for _, cand := range req.Candidates {
			if containsString(req.ExcludedProviders, cand.Provider) {
				continue
			}
			out = append(out, cand)
		}
		return out
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	type ranked struct {
		candidate Candidate
		rank      float64
	}
	var list []ranked
	for name, entry := range x.entries {
		if !entry.servesModel(req.Model) {
			continue
		}
		if containsString(req.ExcludedProviders, name) {
			continue
		}
		if len(req.PreferredProviders) > 0 && !containsString(req.PreferredProviders, name) {
			continue
		}
		list = append(list, ranked{
			candidate: Candidate{Provider: name, Model: req.Model},
			rank:      float64(entry.Priority) + x.tracker.PerformanceScore(name),
		})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].rank != list[j].rank {
			return list[i].rank > list[j].rank
		}
		return list[i].candidate.Provider < list[j].candidate.Provider
	})

	out := make([]Candidate, len(list))
	for i, r := range list {
		out[i] = r.candidate
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// Execute walks the candidate list and returns the first success. Provider
// failures become routing progress; only an exhausted list is an error.
func (x *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := x.clock.Now()

	ctx, span := x.tracer.Start(ctx, "fallback.Execute",
		trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	candidates := x.buildCandidates(req)
	if len(candidates) == 0 {
		return nil, &AllProvidersFailedError{Elapsed: x.clock.Now().Sub(start)}
	}

	var failed []string
	var attempted []string
	var lastErr error
	attempts := 0

	for _, cand := range candidates {
		x.mu.RLock()
		entry, ok := x.entries[cand.Provider]
		brk := x.breakers[cand.Provider]
		x.mu.RUnlock()
		if !ok {
			continue
		}

		if !brk.Allow() {
			lastErr = &CircuitOpenError{Provider: cand.Provider}
			failed = append(failed, cand.Provider)
			x.logger.Debugw("Skipping provider with open circuit", "provider", cand.Provider)
			continue
		}

		if !x.tracker.TryAcquire(cand.Provider, entry.MaxConcurrent) {
			failed = append(failed, cand.Provider)
			x.logger.Debugw("Skipping saturated provider",
				"provider", cand.Provider, "max_concurrent", entry.MaxConcurrent)
			continue
		}

		attempts++
		response, err := x.attempt(ctx, entry, cand, req)
		if err == nil {
			elapsed := x.clock.Now().Sub(start)
			return &Result{
				Response:        response,
				ProviderUsed:    cand.Provider,
				ModelUsed:       cand.Model,
				AttemptsCount:   attempts,
				FailedProviders: failed,
				FailedAttempts:  attempted,
				TotalLatency:    elapsed,
				RoutingReason:   routingReason(attempts, len(failed)),
			}, nil
		}

		lastErr = err
		failed = append(failed, cand.Provider)
		attempted = append(attempted, cand.Provider)
		x.logger.Warnw("Provider attempt failed",
			"provider", cand.Provider, "model", cand.Model, "error", err)
	}

	elapsed := x.clock.Now().Sub(start)
	err := &AllProvidersFailedError{Attempted: attempted, Elapsed: elapsed, LastErr: lastErr}
	span.RecordError(err)
	return nil, err
}

// attempt runs one provider call under the per-provider timeout and records
// the outcome everywhere it must land: concurrency release, stats, breaker.
func (x *Executor) attempt(ctx context.Context, entry *Entry, cand Candidate, req *Request) (*provider.GenerateResponse, error) {
	defer x.tracker.Release(cand.Provider)

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = x.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := x.tracer.Start(callCtx, "fallback.attempt",
		trace.WithAttributes(
			attribute.String("provider", cand.Provider),
			attribute.String("model", cand.Model)))
	defer span.End()

	generate := req.Generate
	generate.Model = cand.Model

	callStart := x.clock.Now()
	response, err := entry.Provider.Generate(callCtx, &generate)
	latency := x.clock.Now().Sub(callStart)

	x.mu.RLock()
	brk := x.breakers[cand.Provider]
	x.mu.RUnlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			err = &TimeoutError{Provider: cand.Provider, Timeout: timeout}
		}
		x.tracker.RecordFailure(cand.Provider, err)
		brk.RecordFailure()
		span.RecordError(err)
		return nil, err
	}

	x.tracker.RecordSuccess(cand.Provider, latency, response.Usage.CostUSD)
	brk.RecordSuccess()
	return response, nil
}

func routingReason(attempts int, failures int) string {
	if failures == 0 {
		return "top_priority"
	}
	return fmt.Sprintf("fallback_after_%d_failures", failures)
}
