package catalog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Smoothing factor for observed-outcome updates. Matches the EWMA constant
// used for endpoint metrics elsewhere in the system.
const smoothingAlpha = 0.1

// Capabilities describes what a model can do.
type Capabilities struct {
	MaxContextTokens int      `yaml:"max_context_tokens" json:"max_context_tokens"`
	StructuredOutput bool     `yaml:"structured_output" json:"structured_output"`
	ToolCalls        bool     `yaml:"tool_calls" json:"tool_calls"`
	Streaming        bool     `yaml:"streaming" json:"streaming"`
	Languages        []string `yaml:"languages,omitempty" json:"languages,omitempty"`
	Specialties      []string `yaml:"specialties,omitempty" json:"specialties,omitempty"`
}

// Performance is a rolling snapshot of how the model behaves in practice.
// QualityScore and ReliabilityScore are in [0, 1].
type Performance struct {
	AvgLatency        time.Duration      `yaml:"avg_latency" json:"avg_latency"`
	ThroughputRPM     float64            `yaml:"throughput_rpm" json:"throughput_rpm"`
	QualityScore      float64            `yaml:"quality_score" json:"quality_score"`
	ReliabilityScore  float64            `yaml:"reliability_score" json:"reliability_score"`
	SpecialtyAccuracy map[string]float64 `yaml:"specialty_accuracy,omitempty" json:"specialty_accuracy,omitempty"`
}

// Pricing in USD. Token prices are per 1K tokens; PerRequestUSD is a flat fee.
type Pricing struct {
	InputPer1KUSD  float64 `yaml:"input_per_1k_usd" json:"input_per_1k_usd"`
	OutputPer1KUSD float64 `yaml:"output_per_1k_usd" json:"output_per_1k_usd"`
	PerRequestUSD  float64 `yaml:"per_request_usd" json:"per_request_usd"`
}

// Limits are the hard per-model rate limits advertised by the vendor.
type Limits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day" json:"requests_per_day"`
	TokensPerMinute   int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent" json:"max_concurrent"`
}

// Availability describes where and how reliably the model is served.
type Availability struct {
	Regions       []string `yaml:"regions,omitempty" json:"regions,omitempty"`
	UptimePercent float64  `yaml:"uptime_percent" json:"uptime_percent"`
}

// ModelProfile is one entry in the catalog: identity plus everything the
// routing engine needs to score it.
type ModelProfile struct {
	Provider    string `yaml:"provider" json:"provider"`
	Model       string `yaml:"model" json:"model"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`

	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`
	Performance  Performance  `yaml:"performance" json:"performance"`
	Pricing      Pricing      `yaml:"pricing" json:"pricing"`
	Limits       Limits       `yaml:"limits" json:"limits"`
	Availability Availability `yaml:"availability" json:"availability"`
}

// Key identifies a profile within the catalog.
func (p *ModelProfile) Key() string {
	return p.Provider + "/" + p.Model
}

// SupportsSpecialty reports whether the model declares the given specialty
// and returns its accuracy for it.
func (p *ModelProfile) SupportsSpecialty(specialty string) (float64, bool) {
	accuracy, ok := p.Performance.SpecialtyAccuracy[specialty]
	return accuracy, ok
}

// Catalog is the registry of model profiles. Profiles are added or updated at
// startup and via Register; they are never removed during a run. Performance
// fields mutate only through RecordOutcome's exponential smoothing.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]*ModelProfile
	order    []string
	logger   *zap.SugaredLogger
}

// New creates an empty catalog.
func New(logger *zap.SugaredLogger) *Catalog {
	return &Catalog{
		profiles: make(map[string]*ModelProfile),
		logger:   logger,
	}
}

// Register adds a profile or replaces an existing one for the same
// provider/model pair.
func (c *Catalog) Register(profile *ModelProfile) error {
	if profile.Provider == "" || profile.Model == "" {
		return fmt.Errorf("profile must have provider and model set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := profile.Key()
	if _, exists := c.profiles[key]; !exists {
		c.order = append(c.order, key)
	}
	copied := *profile
	c.profiles[key] = &copied

	c.logger.Infow("Model registered", "provider", profile.Provider, "model", profile.Model)
	return nil
}

// Get returns the profile for a provider/model pair.
func (c *Catalog) Get(providerName string, model string) (*ModelProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profile, ok := c.profiles[providerName+"/"+model]
	if !ok {
		return nil, false
	}
	copied := *profile
	return &copied, true
}

// List returns copies of all profiles in registration order.
func (c *Catalog) List() []*ModelProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profiles := make([]*ModelProfile, 0, len(c.order))
	for _, key := range c.order {
		copied := *c.profiles[key]
		profiles = append(profiles, &copied)
	}
	return profiles
}

// Len returns the number of registered profiles.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}

// RecordOutcome folds an observed call outcome into the profile's rolling
// performance snapshot. Latency and reliability move by exponential
// smoothing; nothing else mutates.
func (c *Catalog) RecordOutcome(providerName string, model string, latency time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	profile, ok := c.profiles[providerName+"/"+model]
	if !ok {
		return
	}

	// Failures report no latency observation; only real measurements smooth.
	if latency > 0 {
		if profile.Performance.AvgLatency == 0 {
			profile.Performance.AvgLatency = latency
		} else {
			profile.Performance.AvgLatency = time.Duration(
				float64(profile.Performance.AvgLatency)*(1-smoothingAlpha) + float64(latency)*smoothingAlpha)
		}
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if profile.Performance.ReliabilityScore == 0 && success {
		profile.Performance.ReliabilityScore = 1.0
	} else {
		profile.Performance.ReliabilityScore =
			profile.Performance.ReliabilityScore*(1-smoothingAlpha) + outcome*smoothingAlpha
	}
}
