// Package stats keeps rolling per-provider counters used for scheduling:
// latency and cost moving averages, success/failure counts, and the in-flight
// request count that backs per-provider admission control.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EWMA smoothing factor for latency and cost.
const alpha = 0.1

// Normalization ceilings for PerformanceScore. Values beyond these score zero
// on the corresponding axis.
const (
	maxLatencyMillis = 10_000.0
	maxCostUSD       = 1.0
	maxLoad          = 100.0
)

// ProviderStats is the rolling snapshot for a single provider.
type ProviderStats struct {
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	AvgLatency    time.Duration `json:"avg_latency"`
	AvgCostUSD    float64       `json:"avg_cost_usd"`
	InFlight      int64         `json:"in_flight"`
	LastUsed      time.Time     `json:"last_used"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
}

// SuccessRate returns observed successes over total attempts, 1.0 when the
// provider has never been attempted.
func (s *ProviderStats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 1.0
	}
	return float64(s.Successes) / float64(total)
}

// Tracker aggregates ProviderStats per provider. Safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*ProviderStats
	clock     clock.Clock
}

// NewTracker creates a tracker using the wall clock.
func NewTracker() *Tracker {
	return NewTrackerWithClock(clock.New())
}

// NewTrackerWithClock creates a tracker with an injected clock for tests.
func NewTrackerWithClock(clk clock.Clock) *Tracker {
	return &Tracker{
		providers: make(map[string]*ProviderStats),
		clock:     clk,
	}
}

func (t *Tracker) get(provider string) *ProviderStats {
	s, ok := t.providers[provider]
	if !ok {
		s = &ProviderStats{}
		t.providers[provider] = s
	}
	return s
}

// RecordSuccess folds a successful call into the provider's averages.
func (t *Tracker) RecordSuccess(provider string, latency time.Duration, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(provider)
	s.Successes++
	s.LastUsed = t.clock.Now()
	if s.AvgLatency == 0 {
		s.AvgLatency = latency
	} else {
		s.AvgLatency = time.Duration(float64(s.AvgLatency)*(1-alpha) + float64(latency)*alpha)
	}
	if s.AvgCostUSD == 0 {
		s.AvgCostUSD = costUSD
	} else {
		s.AvgCostUSD = s.AvgCostUSD*(1-alpha) + costUSD*alpha
	}
}

// RecordFailure counts a failed call.
func (t *Tracker) RecordFailure(provider string, callErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(provider)
	s.Failures++
	s.LastErrorTime = t.clock.Now()
	if callErr != nil {
		s.LastError = callErr.Error()
	}
}

// TryAcquire increments the provider's in-flight count unless it is already
// at max. max <= 0 means unbounded. This is the per-provider counting
// semaphore: a saturated provider is skipped, never queued.
func (t *Tracker) TryAcquire(provider string, max int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(provider)
	if max > 0 && s.InFlight >= int64(max) {
		return false
	}
	s.InFlight++
	return true
}

// Release decrements the provider's in-flight count.
func (t *Tracker) Release(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(provider)
	s.InFlight--
	if s.InFlight < 0 {
		s.InFlight = 0
	}
}

// SuccessRate returns the provider's observed success rate.
func (t *Tracker) SuccessRate(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.providers[provider]
	if !ok {
		return 1.0
	}
	return s.SuccessRate()
}

// InFlight returns the provider's current in-flight count.
func (t *Tracker) InFlight(provider string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.providers[provider]
	if !ok {
		return 0
	}
	return s.InFlight
}

// PerformanceScore combines normalized latency, cost, success rate, and load
// into [0, 1]. Used to order fallback candidates alongside their static
// priority. Unknown providers score a neutral 0.5.
func (t *Tracker) PerformanceScore(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.providers[provider]
	if !ok || s.Successes+s.Failures == 0 {
		return 0.5
	}

	latencyScore := math.Max(0, (maxLatencyMillis-float64(s.AvgLatency.Milliseconds()))/maxLatencyMillis)
	costScore := math.Max(0, (maxCostUSD-s.AvgCostUSD)/maxCostUSD)
	loadScore := math.Max(0, (maxLoad-float64(s.InFlight))/maxLoad)

	return 0.35*s.SuccessRate() + 0.3*latencyScore + 0.2*costScore + 0.15*loadScore
}

// Snapshot returns a copy of every provider's stats.
func (t *Tracker) Snapshot() map[string]ProviderStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]ProviderStats, len(t.providers))
	for name, s := range t.providers {
		snapshot[name] = *s
	}
	return snapshot
}
