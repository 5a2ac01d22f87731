package routing

import (
	"fmt"
	"time"

	"github.com/modelmux/modelmux/catalog"
	"github.com/modelmux/modelmux/provider"
)

// Priority of a request. Critical requests are routed speed-first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Constraints are the hard limits a candidate model must satisfy. A model
// failing any of them is filtered out before scoring.
type Constraints struct {
	MaxCostUSD              *float64       `json:"max_cost_usd,omitempty"`
	MaxLatency              *time.Duration `json:"max_latency,omitempty"`
	MinQuality              *float64       `json:"min_quality,omitempty"`
	AllowProviders          []string       `json:"allow_providers,omitempty"`
	DenyProviders           []string       `json:"deny_providers,omitempty"`
	RequireStructuredOutput bool           `json:"require_structured_output,omitempty"`
	RequireToolCalls        bool           `json:"require_tool_calls,omitempty"`
	RequireStreaming        bool           `json:"require_streaming,omitempty"`
}

// UserProfile carries the caller's tier and routing preferences.
type UserProfile struct {
	Tier               string  `json:"tier,omitempty"`
	DailyBudgetUsedUSD float64 `json:"daily_budget_used_usd,omitempty"`

	// Preference switches. PreferCost takes precedence over everything;
	// PreferQuality loses only to an explicit latency ceiling or critical
	// priority.
	PreferCost    bool `json:"prefer_cost,omitempty"`
	PreferQuality bool `json:"prefer_quality,omitempty"`
}

// Request is the routed unit of work. Immutable once constructed.
type Request struct {
	ID        string             `json:"id"`
	Messages  []provider.Message `json:"messages"`
	Specialty string             `json:"specialty,omitempty"`
	Priority  Priority           `json:"priority,omitempty"`

	Constraints Constraints `json:"constraints"`

	WorkflowID string `json:"workflow_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	Profile UserProfile `json:"profile"`

	// Optional pin. When both are set the router is bypassed entirely and the
	// cache can be consulted before any scoring happens.
	PinProvider string `json:"pin_provider,omitempty"`
	PinModel    string `json:"pin_model,omitempty"`

	// When set, the final output is validated (and repaired) against this
	// schema before returning.
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
}

// Pinned reports whether the request names an exact provider/model pair.
func (r *Request) Pinned() bool {
	return r.PinProvider != "" && r.PinModel != ""
}

// ScoredModel pairs a candidate with its combined 0–100 score.
type ScoredModel struct {
	Profile *catalog.ModelProfile `json:"profile"`
	Score   float64               `json:"score"`
}

// Decision is the router's output: the pick, up to three ranked
// alternatives, the cause, and the estimates the pick was scored on.
// Produced once per request and never mutated.
type Decision struct {
	Selected     *catalog.ModelProfile `json:"selected"`
	Reason       Reason                `json:"reason"`
	Strategy     Strategy              `json:"strategy"`
	Alternatives []ScoredModel         `json:"alternatives,omitempty"`

	Score            float64       `json:"score"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	EstimatedQuality float64       `json:"estimated_quality"`
	Confidence       float64       `json:"confidence"`

	RequestID string    `json:"request_id"`
	DecidedAt time.Time `json:"decided_at"`
}

// NoAvailableModelError means every catalog entry was eliminated by the
// request's hard constraints. Surfaced, never retried.
type NoAvailableModelError struct {
	RequestID string
	Filtered  int
}

func (e *NoAvailableModelError) Error() string {
	return fmt.Sprintf("no available model for request %s: all %d candidates eliminated by constraints",
		e.RequestID, e.Filtered)
}
