package routing

// Strategy names a fixed weight vector over the five scoring axes. The set is
// closed: strategies are picked by precedence rules in Route, not composed
// at runtime.
type Strategy string

const (
	StrategyCostOptimized    Strategy = "cost_optimized"
	StrategySpeedOptimized   Strategy = "speed_optimized"
	StrategyQualityOptimized Strategy = "quality_optimized"
	StrategyBalanced         Strategy = "balanced"
)

// Weights is one strategy's weighting over {cost, speed, quality,
// reliability, availability}. Each vector sums to 1.
type Weights struct {
	Cost         float64 `json:"cost"`
	Speed        float64 `json:"speed"`
	Quality      float64 `json:"quality"`
	Reliability  float64 `json:"reliability"`
	Availability float64 `json:"availability"`
}

var strategyWeights = map[Strategy]Weights{
	StrategyCostOptimized:    {Cost: 0.5, Speed: 0.15, Quality: 0.15, Reliability: 0.1, Availability: 0.1},
	StrategySpeedOptimized:   {Cost: 0.1, Speed: 0.5, Quality: 0.15, Reliability: 0.15, Availability: 0.1},
	StrategyQualityOptimized: {Cost: 0.1, Speed: 0.1, Quality: 0.5, Reliability: 0.2, Availability: 0.1},
	StrategyBalanced:         {Cost: 0.2, Speed: 0.2, Quality: 0.25, Reliability: 0.2, Availability: 0.15},
}

// WeightsFor returns the fixed weight vector of a strategy, defaulting to the
// balanced vector for unknown names.
func WeightsFor(strategy Strategy) Weights {
	if weights, ok := strategyWeights[strategy]; ok {
		return weights
	}
	return strategyWeights[StrategyBalanced]
}

// Reason explains what drove a routing pick.
type Reason string

const (
	ReasonCostOptimized    Reason = "cost_optimized"
	ReasonSpeedOptimized   Reason = "speed_optimized"
	ReasonQualityOptimized Reason = "quality_optimized"
	ReasonTaskSpecialized  Reason = "task_specialized"
	ReasonBalanced         Reason = "balanced"
)
