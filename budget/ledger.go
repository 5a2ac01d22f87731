// Package budget enforces spend ceilings over an append-only usage ledger.
// Every aggregate (daily, monthly, per-user, per-workflow) is derived from
// the records at query time, so the figures can never drift from the log.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pruneInterval = time.Hour

// Scope names which ceiling rejected a request.
type Scope string

const (
	ScopeDaily     Scope = "daily"
	ScopeMonthly   Scope = "monthly"
	ScopeUser      Scope = "user"
	ScopeWorkflow  Scope = "workflow"
	ScopeEmergency Scope = "emergency"
)

// ExceededError is returned by Check when a ceiling would be breached. It is
// a policy decision, not a transient fault: callers must not retry.
type ExceededError struct {
	Scope            Scope
	EstimatedCostUSD float64
	SpendUSD         float64
	LimitUSD         float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): spend $%.4f + estimated $%.4f over limit $%.2f",
		e.Scope, e.SpendUSD, e.EstimatedCostUSD, e.LimitUSD)
}

// AlertThresholds are the soft notification levels, as percentages of the
// daily/monthly ceilings. Distinct from the hard emergency stop.
type AlertThresholds struct {
	DailyPercent   float64 `yaml:"daily_percent" json:"daily_percent"`
	MonthlyPercent float64 `yaml:"monthly_percent" json:"monthly_percent"`
}

// Config sets the ceilings.
type Config struct {
	DailyLimitUSD        float64         `yaml:"daily_limit_usd" json:"daily_limit_usd"`
	MonthlyLimitUSD      float64         `yaml:"monthly_limit_usd" json:"monthly_limit_usd"`
	PerUserDailyLimitUSD *float64        `yaml:"per_user_daily_limit_usd,omitempty" json:"per_user_daily_limit_usd,omitempty"`
	PerWorkflowLimitUSD  *float64        `yaml:"per_workflow_limit_usd,omitempty" json:"per_workflow_limit_usd,omitempty"`
	AlertThresholds      AlertThresholds `yaml:"alert_thresholds" json:"alert_thresholds"`
	EmergencyStopPercent float64         `yaml:"emergency_stop_percent" json:"emergency_stop_percent"`

	// How long usage records are kept before pruning.
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		DailyLimitUSD:        50,
		MonthlyLimitUSD:      1000,
		AlertThresholds:      AlertThresholds{DailyPercent: 80, MonthlyPercent: 80},
		EmergencyStopPercent: 95,
		Retention:            45 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.EmergencyStopPercent <= 0 {
		c.EmergencyStopPercent = 95
	}
	if c.Retention <= 0 {
		c.Retention = 45 * 24 * time.Hour
	}
	return c
}

// UsageRecord is one appended ledger line.
type UsageRecord struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Tokens     int32     `json:"tokens"`
	CostUSD    float64   `json:"cost_usd"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
}

// Status is the spend picture derived at query time.
type Status struct {
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	MonthlySpendUSD float64 `json:"monthly_spend_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	DailyPercent    float64 `json:"daily_percent"`
	MonthlyPercent  float64 `json:"monthly_percent"`
}

// Alert is passed to the notification hook when an alert threshold is
// crossed by a recorded usage.
type Alert struct {
	Scope      Scope
	SpendUSD   float64
	LimitUSD   float64
	Percent    float64
	ThresholdP float64
}

// Ledger is the budget ledger. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	config  Config
	clock   clock.Clock
	records []UsageRecord
	alertFn func(Alert)
	logger  *zap.SugaredLogger
}

// New creates a ledger and starts its periodic prune. The returned stop
// function cancels the prune loop.
func New(config Config, logger *zap.SugaredLogger) (*Ledger, func()) {
	return NewWithClock(config, clock.New(), logger)
}

// NewWithClock creates a ledger with an injected clock for tests.
func NewWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) (*Ledger, func()) {
	l := &Ledger{
		config: config.withDefaults(),
		clock:  clk,
		logger: logger,
	}
	stop := l.startPrune(pruneInterval)
	return l, stop
}

// OnAlert registers the notification hook fired when recorded usage crosses
// an alert threshold. The hook runs synchronously inside Record.
func (l *Ledger) OnAlert(hook func(Alert)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertFn = hook
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// sums derives the spend aggregates over [since, now). Caller holds the lock.
func (l *Ledger) sumSince(since time.Time, userID string, workflowID string) float64 {
	var total float64
	for i := range l.records {
		r := &l.records[i]
		if r.Timestamp.Before(since) {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		total += r.CostUSD
	}
	return total
}

func (l *Ledger) statusLocked(now time.Time) Status {
	status := Status{
		DailySpendUSD:   l.sumSince(startOfDay(now), "", ""),
		MonthlySpendUSD: l.sumSince(startOfMonth(now), "", ""),
		DailyLimitUSD:   l.config.DailyLimitUSD,
		MonthlyLimitUSD: l.config.MonthlyLimitUSD,
	}
	if status.DailyLimitUSD > 0 {
		status.DailyPercent = status.DailySpendUSD / status.DailyLimitUSD * 100
	}
	if status.MonthlyLimitUSD > 0 {
		status.MonthlyPercent = status.MonthlySpendUSD / status.MonthlyLimitUSD * 100
	}
	return status
}

// Status derives the current spend picture.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(l.clock.Now())
}

// Check decides whether a request estimated at estimatedCost may proceed.
// It never mutates the ledger. The emergency stop fires on spend already on
// the books; the other checks reject when adding the estimate would breach a
// ceiling.
func (l *Ledger) Check(estimatedCostUSD float64, userID string, workflowID string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	status := l.statusLocked(now)

	if status.DailyLimitUSD > 0 && status.DailyPercent >= l.config.EmergencyStopPercent {
		return status, &ExceededError{
			Scope: ScopeEmergency, EstimatedCostUSD: estimatedCostUSD,
			SpendUSD: status.DailySpendUSD, LimitUSD: status.DailyLimitUSD,
		}
	}
	if status.MonthlyLimitUSD > 0 && status.MonthlyPercent >= l.config.EmergencyStopPercent {
		return status, &ExceededError{
			Scope: ScopeEmergency, EstimatedCostUSD: estimatedCostUSD,
			SpendUSD: status.MonthlySpendUSD, LimitUSD: status.MonthlyLimitUSD,
		}
	}
	if status.DailyLimitUSD > 0 && status.DailySpendUSD+estimatedCostUSD > status.DailyLimitUSD {
		return status, &ExceededError{
			Scope: ScopeDaily, EstimatedCostUSD: estimatedCostUSD,
			SpendUSD: status.DailySpendUSD, LimitUSD: status.DailyLimitUSD,
		}
	}
	if status.MonthlyLimitUSD > 0 && status.MonthlySpendUSD+estimatedCostUSD > status.MonthlyLimitUSD {
		return status, &ExceededError{
			Scope: ScopeMonthly, EstimatedCostUSD: estimatedCostUSD,
			SpendUSD: status.MonthlySpendUSD, LimitUSD: status.MonthlyLimitUSD,
		}
	}
	if l.config.PerUserDailyLimitUSD != nil && userID != "" {
		userSpend := l.sumSince(startOfDay(now), userID, "")
		if userSpend+estimatedCostUSD > *l.config.PerUserDailyLimitUSD {
			return status, &ExceededError{
				Scope: ScopeUser, EstimatedCostUSD: estimatedCostUSD,
				SpendUSD: userSpend, LimitUSD: *l.config.PerUserDailyLimitUSD,
			}
		}
	}
	if l.config.PerWorkflowLimitUSD != nil && workflowID != "" {
		workflowSpend := l.sumSince(time.Time{}, "", workflowID)
		if workflowSpend+estimatedCostUSD > *l.config.PerWorkflowLimitUSD {
			return status, &ExceededError{
				Scope: ScopeWorkflow, EstimatedCostUSD: estimatedCostUSD,
				SpendUSD: workflowSpend, LimitUSD: *l.config.PerWorkflowLimitUSD,
			}
		}
	}

	return status, nil
}

// Record appends a usage record unconditionally (checking first is the
// caller's job) and fires the alert hook when an alert threshold is
// crossed.
func (l *Ledger) Record(record UsageRecord) {
	l.mu.Lock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = l.clock.Now()
	}
	l.records = append(l.records, record)

	status := l.statusLocked(l.clock.Now())
	var alerts []Alert
	if t := l.config.AlertThresholds.DailyPercent; t > 0 && status.DailyPercent >= t {
		alerts = append(alerts, Alert{
			Scope: ScopeDaily, SpendUSD: status.DailySpendUSD,
			LimitUSD: status.DailyLimitUSD, Percent: status.DailyPercent, ThresholdP: t,
		})
	}
	if t := l.config.AlertThresholds.MonthlyPercent; t > 0 && status.MonthlyPercent >= t {
		alerts = append(alerts, Alert{
			Scope: ScopeMonthly, SpendUSD: status.MonthlySpendUSD,
			LimitUSD: status.MonthlyLimitUSD, Percent: status.MonthlyPercent, ThresholdP: t,
		})
	}
	hook := l.alertFn
	l.mu.Unlock()

	if hook != nil {
		for _, alert := range alerts {
			hook(alert)
		}
	}
	if len(alerts) > 0 && l.logger != nil {
		l.logger.Warnw("Budget alert threshold crossed",
			"daily_percent", status.DailyPercent, "monthly_percent", status.MonthlyPercent)
	}
}

// Records returns a copy of the ledger, newest last.
func (l *Ledger) Records() []UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Prune drops records older than the retention window. Already-derived
// Status values are unaffected; only future aggregations see the smaller log.
func (l *Ledger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.config.Retention)
	kept := l.records[:0]
	removed := 0
	for _, r := range l.records {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return removed
}

func (l *Ledger) startPrune(interval time.Duration) func() {
	ticker := l.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if removed := l.Prune(); removed > 0 && l.logger != nil {
					l.logger.Debugw("Pruned usage records", "removed", removed)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
