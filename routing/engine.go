// Package routing scores catalog models against a request and a weighted
// strategy, producing a ranked decision the fallback executor can act on.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/catalog"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/stats"
)

// Reference holds the normalization ceilings for sub-scores. They are
// deployment tunables, not constants: a deployment routing only cheap small
// models may want a lower cost ceiling so the cost axis keeps resolution.
type Reference struct {
	// Cost at or above which the cost sub-score is zero.
	CostCeilingUSD float64 `yaml:"cost_ceiling_usd" json:"cost_ceiling_usd"`

	// Latency at or above which the speed sub-score is zero.
	LatencyCeiling time.Duration `yaml:"latency_ceiling" json:"latency_ceiling"`

	// Assumed completion size for cost estimation.
	AssumedOutputTokens int `yaml:"assumed_output_tokens" json:"assumed_output_tokens"`

	// Prompt tokens beyond this threshold add a latency penalty.
	PromptPenaltyThreshold int `yaml:"prompt_penalty_threshold" json:"prompt_penalty_threshold"`

	// Penalty per token beyond the threshold.
	PromptPenaltyPerToken time.Duration `yaml:"prompt_penalty_per_token" json:"prompt_penalty_per_token"`

	// Ring buffer size for decision history.
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// DefaultReference returns the reference ceilings.
func DefaultReference() Reference {
	return Reference{
		CostCeilingUSD:         1.0,
		LatencyCeiling:         10 * time.Second,
		AssumedOutputTokens:    500,
		PromptPenaltyThreshold: 2000,
		PromptPenaltyPerToken:  500 * time.Microsecond,
		HistorySize:            256,
	}
}

func (r Reference) withDefaults() Reference {
	def := DefaultReference()
	if r.CostCeilingUSD <= 0 {
		r.CostCeilingUSD = def.CostCeilingUSD
	}
	if r.LatencyCeiling <= 0 {
		r.LatencyCeiling = def.LatencyCeiling
	}
	if r.AssumedOutputTokens <= 0 {
		r.AssumedOutputTokens = def.AssumedOutputTokens
	}
	if r.PromptPenaltyThreshold <= 0 {
		r.PromptPenaltyThreshold = def.PromptPenaltyThreshold
	}
	if r.PromptPenaltyPerToken <= 0 {
		r.PromptPenaltyPerToken = def.PromptPenaltyPerToken
	}
	if r.HistorySize <= 0 {
		r.HistorySize = def.HistorySize
	}
	return r
}

// Engine filters and scores catalog entries. Safe for concurrent use; two
// concurrent Route calls may be scored in either order.
type Engine struct {
	catalog   *catalog.Catalog
	tracker   *stats.Tracker
	reference Reference
	clock     clock.Clock
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	history []Decision
	next    int
	filled  bool
}

// NewEngine creates a routing engine over the given catalog and tracker.
func NewEngine(cat *catalog.Catalog, tracker *stats.Tracker, reference Reference, logger *zap.SugaredLogger) *Engine {
	return NewEngineWithClock(cat, tracker, reference, clock.New(), logger)
}

// NewEngineWithClock creates an engine with an injected clock for tests.
func NewEngineWithClock(cat *catalog.Catalog, tracker *stats.Tracker, reference Reference, clk clock.Clock, logger *zap.SugaredLogger) *Engine {
	reference = reference.withDefaults()
	return &Engine{
		catalog:   cat,
		tracker:   tracker,
		reference: reference,
		clock:     clk,
		logger:    logger,
		history:   make([]Decision, reference.HistorySize),
	}
}

// Estimate is the small cost/latency model applied per candidate.
type Estimate struct {
	CostUSD float64
	Latency time.Duration
	Quality float64
}

// EstimateFor computes the request's estimated cost, latency, and quality on
// a candidate model. Cost: prompt tokens and assumed output tokens at the
// model's unit prices plus its flat fee. Latency: the model's rolling average
// plus a penalty proportional to prompt length beyond the threshold.
func (e *Engine) EstimateFor(req *Request, profile *catalog.ModelProfile) Estimate {
	promptTokens := provider.EstimateTokens(provider.PromptText(req.Messages))

	cost := float64(promptTokens)/1000*profile.Pricing.InputPer1KUSD +
		float64(e.reference.AssumedOutputTokens)/1000*profile.Pricing.OutputPer1KUSD +
		profile.Pricing.PerRequestUSD

	latency := profile.Performance.AvgLatency
	if latency == 0 {
		latency = time.Second
	}
	if promptTokens > e.reference.PromptPenaltyThreshold {
		latency += time.Duration(promptTokens-e.reference.PromptPenaltyThreshold) * e.reference.PromptPenaltyPerToken
	}

	quality := profile.Performance.QualityScore
	if req.Specialty != "" {
		if accuracy, ok := profile.SupportsSpecialty(req.Specialty); ok {
			quality = accuracy
		}
	}

	return Estimate{CostUSD: cost, Latency: latency, Quality: quality}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// passesHardConstraints applies capability flags, provider lists, and the
// re-estimated ceilings/floors.
func (e *Engine) passesHardConstraints(req *Request, profile *catalog.ModelProfile, est Estimate) bool {
	c := req.Constraints

	if c.RequireStructuredOutput && !profile.Capabilities.StructuredOutput {
		return false
	}
	if c.RequireToolCalls && !profile.Capabilities.ToolCalls {
		return false
	}
	if c.RequireStreaming && !profile.Capabilities.Streaming {
		return false
	}
	if len(c.AllowProviders) > 0 && !containsString(c.AllowProviders, profile.Provider) {
		return false
	}
	if containsString(c.DenyProviders, profile.Provider) {
		return false
	}
	if c.MaxCostUSD != nil && est.CostUSD > *c.MaxCostUSD {
		return false
	}
	if c.MaxLatency != nil && est.Latency > *c.MaxLatency {
		return false
	}
	if c.MinQuality != nil && est.Quality < *c.MinQuality {
		return false
	}
	return true
}

// pickStrategy applies the precedence rules: explicit cost preference wins;
// then a hard latency ceiling or critical priority routes for speed; then an
// explicit quality preference; otherwise balanced.
func pickStrategy(req *Request) Strategy {
	if req.Profile.PreferCost {
		return StrategyCostOptimized
	}
	if req.Constraints.MaxLatency != nil || req.Priority == PriorityCritical {
		return StrategySpeedOptimized
	}
	if req.Profile.PreferQuality {
		return StrategyQualityOptimized
	}
	return StrategyBalanced
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// score combines the five normalized sub-scores as the strategy's weighted
// sum, scaled to 0–100.
func (e *Engine) score(profile *catalog.ModelProfile, est Estimate, weights Weights) float64 {
	costScore := clamp01(1 - est.CostUSD/e.reference.CostCeilingUSD)
	speedScore := clamp01(1 - float64(est.Latency)/float64(e.reference.LatencyCeiling))
	qualityScore := clamp01(est.Quality)

	// Observed success rate; the catalog's prior stands in until the provider
	// has been attempted.
	reliability := e.tracker.SuccessRate(profile.Provider)
	if reliability == 1.0 && profile.Performance.ReliabilityScore > 0 {
		reliability = profile.Performance.ReliabilityScore
	}
	reliabilityScore := clamp01(reliability)
	availabilityScore := clamp01(profile.Availability.UptimePercent / 100)

	total := costScore*weights.Cost +
		speedScore*weights.Speed +
		qualityScore*weights.Quality +
		reliabilityScore*weights.Reliability +
		availabilityScore*weights.Availability

	return total * 100
}

type scoredCandidate struct {
	profile  *catalog.ModelProfile
	estimate Estimate
	score    float64
}

// Route filters the catalog by the request's hard constraints, scores the
// survivors under the precedence-picked strategy, and returns the ranked
// decision. Fails with NoAvailableModelError when nothing survives.
func (e *Engine) Route(req *Request) (*Decision, error) {
	profiles := e.catalog.List()

	candidates := make([]scoredCandidate, 0, len(profiles))
	for _, profile := range profiles {
		est := e.EstimateFor(req, profile)
		if !e.passesHardConstraints(req, profile, est) {
			continue
		}
		candidates = append(candidates, scoredCandidate{profile: profile, estimate: est})
	}

	if len(candidates) == 0 {
		return nil, &NoAvailableModelError{RequestID: req.ID, Filtered: len(profiles)}
	}

	strategy := pickStrategy(req)
	weights := WeightsFor(strategy)
	for i := range candidates {
		candidates[i].score = e.score(candidates[i].profile, candidates[i].estimate, weights)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	top := candidates[0]
	decision := &Decision{
		Selected:         top.profile,
		Strategy:         strategy,
		Reason:           e.reasonFor(req, strategy, top.profile),
		Score:            top.score,
		EstimatedCostUSD: top.estimate.CostUSD,
		EstimatedLatency: top.estimate.Latency,
		EstimatedQuality: top.estimate.Quality,
		Confidence:       confidence(candidates),
		RequestID:        req.ID,
		DecidedAt:        e.clock.Now(),
	}
	for _, alt := range candidates[1:] {
		if len(decision.Alternatives) == 3 {
			break
		}
		decision.Alternatives = append(decision.Alternatives, ScoredModel{Profile: alt.profile, Score: alt.score})
	}

	e.appendHistory(decision)

	e.logger.Debugw("Request routed",
		"request_id", req.ID,
		"strategy", strategy,
		"selected", top.profile.Key(),
		"score", top.score,
		"candidates", len(candidates))

	return decision, nil
}

// reasonFor derives the human-readable cause: a specialty match on the pick
// outranks the generic strategy name.
func (e *Engine) reasonFor(req *Request, strategy Strategy, selected *catalog.ModelProfile) Reason {
	if req.Specialty != "" {
		if _, ok := selected.SupportsSpecialty(req.Specialty); ok {
			return ReasonTaskSpecialized
		}
	}
	switch strategy {
	case StrategyCostOptimized:
		return ReasonCostOptimized
	case StrategySpeedOptimized:
		return ReasonSpeedOptimized
	case StrategyQualityOptimized:
		return ReasonQualityOptimized
	default:
		return ReasonBalanced
	}
}

// confidence reflects how decisively the top candidate won: the normalized
// margin over the runner-up, floored at 0.5 for a contested pick.
func confidence(candidates []scoredCandidate) float64 {
	if len(candidates) == 1 {
		return 1.0
	}
	top, second := candidates[0].score, candidates[1].score
	if top <= 0 {
		return 0.5
	}
	return clamp01(0.5 + (top-second)/top)
}

func (e *Engine) appendHistory(decision *Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history[e.next] = *decision
	e.next++
	if e.next == len(e.history) {
		e.next = 0
		e.filled = true
	}
}

// History returns recent decisions, oldest first. Analytics only.
func (e *Engine) History() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Decision
	if e.filled {
		out = append(out, e.history[e.next:]...)
	}
	out = append(out, e.history[:e.next]...)
	return out
}
