// Package repair validates model output against an expected JSON shape and
// runs a bounded repair loop over invalid output: mechanical text rules first,
// then optionally one low-temperature secondary model call.
package repair

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/provider"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	KindParse      ErrorKind = "parse"
	KindSchema     ErrorKind = "schema"
	KindFormat     ErrorKind = "format"
	KindType       ErrorKind = "type"
	KindConstraint ErrorKind = "constraint"
)

// ValidationError is one concrete defect found in the output.
type ValidationError struct {
	Kind     ErrorKind `json:"kind"`
	Field    string    `json:"field,omitempty"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s error at %s: expected %s, got %s", e.Kind, e.Field, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s error: expected %s, got %s", e.Kind, e.Expected, e.Actual)
}

// FailedError is the terminal outcome: the repair budget is spent and the
// output still does not validate.
type FailedError struct {
	Attempts int
	Errors   []ValidationError

	// Best-effort parse of the last attempt, set when partial data is kept.
	Partial any
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("output still invalid after %d repair attempts (%d errors)", e.Attempts, len(e.Errors))
}

// Schema is the minimal JSON shape the caller expects. A subset of JSON
// Schema: enough for object/array/scalar typing, required fields, and enums.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Format     string             `json:"format,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
}

// SchemaFromMap converts a generic schema map (as carried on a request) into
// a Schema. Unknown keywords are ignored.
func SchemaFromMap(m map[string]any) (*Schema, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return &s, nil
}

// Strategy selects which repair mechanisms run. Closed set.
type Strategy string

const (
	// Mechanical text rules only.
	StrategyRuleBased Strategy = "rule_based"
	// One secondary model call only.
	StrategyModelAssisted Strategy = "model_assisted"
	// Rules first, model call as the final attempt.
	StrategyHybrid Strategy = "hybrid"
)

// Options tune the repair loop.
type Options struct {
	// Hard cap on repair attempts, rule passes and model calls combined.
	MaxRepairAttempts int `yaml:"max_repair_attempts" json:"max_repair_attempts"`

	// When set, invalid output fails immediately with no repair attempts, and
	// fields outside the schema's properties are rejected.
	StrictMode bool `yaml:"strict_mode" json:"strict_mode"`

	Strategy Strategy `yaml:"strategy" json:"strategy"`

	// When set, a terminal failure still returns whatever parsed.
	PreservePartialData bool `yaml:"preserve_partial_data" json:"preserve_partial_data"`
}

// DefaultOptions returns the repair defaults.
func DefaultOptions() Options {
	return Options{
		MaxRepairAttempts: 3,
		Strategy:          StrategyHybrid,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRepairAttempts <= 0 {
		o.MaxRepairAttempts = 3
	}
	if o.Strategy == "" {
		o.Strategy = StrategyHybrid
	}
	return o
}

// Outcome reports what the loop did, valid or not.
type Outcome struct {
	Valid        bool              `json:"valid"`
	Repaired     bool              `json:"repaired"`
	Attempts     int               `json:"attempts"`
	AppliedRules []string          `json:"applied_rules,omitempty"`
	Errors       []ValidationError `json:"errors,omitempty"`
}

// Repairer runs validation and the repair loop. The secondary provider is
// optional; without one, model-assisted strategies degrade to rules only.
type Repairer struct {
	options        Options
	secondary      provider.Provider
	secondaryModel string
	logger         *zap.SugaredLogger
}

// NewRepairer creates a rule-only repairer.
func NewRepairer(options Options, logger *zap.SugaredLogger) *Repairer {
	return &Repairer{options: options.withDefaults(), logger: logger}
}

// NewRepairerWithModel creates a repairer that may make one low-temperature
// call to the given provider/model as a last resort.
func NewRepairerWithModel(options Options, secondary provider.Provider, model string, logger *zap.SugaredLogger) *Repairer {
	r := NewRepairer(options, logger)
	r.secondary = secondary
	r.secondaryModel = model
	return r
}

// Process validates raw output against the schema, repairing as needed.
// Returns the parsed value and the loop's outcome. A nil schema means only
// parseability is required.
func (r *Repairer) Process(ctx context.Context, raw string, schema *Schema) (any, Outcome, error) {
	outcome := Outcome{}

	value, errs := parseAndValidate(raw, schema, r.options.StrictMode)
	if len(errs) == 0 {
		outcome.Valid = true
		return value, outcome, nil
	}

	if r.options.StrictMode {
		outcome.Errors = errs
		failed := &FailedError{Errors: errs}
		if r.options.PreservePartialData {
			failed.Partial = value
		}
		return nil, outcome, failed
	}

	current := raw
	var lastValue any = value

	for outcome.Attempts < r.options.MaxRepairAttempts {
		outcome.Attempts++

		useModel := r.shouldUseModel(outcome.Attempts)
		if useModel {
			repaired, err := r.modelRepair(ctx, current, schema, errs)
			if err != nil {
				r.logger.Warnw("Model-assisted repair failed", "attempt", outcome.Attempts, "error", err)
				outcome.Errors = errs
				continue
			}
			current = repaired
			outcome.AppliedRules = append(outcome.AppliedRules, "model_assisted")
		} else {
			var applied []string
			current, applied = applyRules(current)
			outcome.AppliedRules = append(outcome.AppliedRules, applied...)
			if len(applied) == 0 && r.options.Strategy == StrategyRuleBased {
				// No rule changed anything; further passes are pointless.
				outcome.Errors = errs
				break
			}
		}

		value, errs = parseAndValidate(current, schema, r.options.StrictMode)
		if value != nil {
			lastValue = value
		}
		if len(errs) == 0 {
			outcome.Valid = true
			outcome.Repaired = true
			r.logger.Infow("Output repaired",
				"attempts", outcome.Attempts, "rules", strings.Join(outcome.AppliedRules, ","))
			return value, outcome, nil
		}
	}

	outcome.Errors = errs
	failed := &FailedError{Attempts: outcome.Attempts, Errors: errs}
	if r.options.PreservePartialData {
		failed.Partial = lastValue
	}
	return nil, outcome, failed
}

// shouldUseModel decides whether this attempt is the secondary model call.
func (r *Repairer) shouldUseModel(attempt int) bool {
	if r.secondary == nil {
		return false
	}
	switch r.options.Strategy {
	case StrategyModelAssisted:
		return true
	case StrategyHybrid:
		return attempt == r.options.MaxRepairAttempts
	default:
		return false
	}
}

// applyRules runs every rule once, in order, reporting which ones changed the
// text.
func applyRules(s string) (string, []string) {
	var applied []string
	for _, rl := range ruleSet {
		next := rl.apply(s)
		if next != s {
			applied = append(applied, rl.name)
			s = next
		}
	}
	return s, applied
}

const repairPrompt = `The following text was supposed to be valid JSON but is not. Fix it and respond with ONLY the corrected JSON, no explanation.

Problems found:
%s

Text:
%s`

// modelRepair makes one deterministic call asking a model to fix the payload.
func (r *Repairer) modelRepair(ctx context.Context, raw string, schema *Schema, errs []ValidationError) (string, error) {
	var problems strings.Builder
	for _, e := range errs {
		problems.WriteString("- ")
		problems.WriteString(e.Error())
		problems.WriteString("\n")
	}

	temperature := float32(0)
	resp, err := r.secondary.Generate(ctx, &provider.GenerateRequest{
		Model: r.secondaryModel,
		Messages: []provider.Message{
			{Role: "user", Content: fmt.Sprintf(repairPrompt, problems.String(), raw)},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// parseAndValidate parses raw JSON and, when a schema is given, checks the
// value against it. A failed parse retries once on the first balanced object
// or array embedded in the text; models routinely wrap valid payloads in
// prose, and that wrapping is not a defect of the payload itself.
func parseAndValidate(raw string, schema *Schema, strict bool) (any, []ValidationError) {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		extracted := extractJSON(raw)
		if extracted == raw || json.Unmarshal([]byte(extracted), &value) != nil {
			return nil, []ValidationError{{
				Kind:     KindParse,
				Expected: "valid JSON",
				Actual:   truncate(err.Error(), 120),
			}}
		}
	}
	if schema == nil {
		return value, nil
	}
	errs := validate(value, schema, "$", strict)
	return value, errs
}

// validate walks the value against the schema, accumulating every defect
// rather than stopping at the first.
func validate(value any, schema *Schema, path string, strict bool) []ValidationError {
	if schema == nil {
		return nil
	}

	var errs []ValidationError

	if schema.Type != "" {
		if actual := jsonTypeOf(value); !typeMatches(schema.Type, actual) {
			return []ValidationError{{
				Kind: KindType, Field: path, Expected: schema.Type, Actual: actual,
			}}
		}
	}

	if schema.Format != "" {
		if s, ok := value.(string); ok && !formatMatches(schema.Format, s) {
			errs = append(errs, ValidationError{
				Kind: KindFormat, Field: path,
				Expected: schema.Format, Actual: truncate(s, 40),
			})
		}
	}

	if len(schema.Enum) > 0 {
		found := false
		for _, allowed := range schema.Enum {
			if allowed == value {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, ValidationError{
				Kind: KindConstraint, Field: path,
				Expected: fmt.Sprintf("one of %v", schema.Enum),
				Actual:   fmt.Sprintf("%v", value),
			})
		}
	}

	switch v := value.(type) {
	case map[string]any:
		for _, required := range schema.Required {
			if _, ok := v[required]; !ok {
				errs = append(errs, ValidationError{
					Kind: KindSchema, Field: path + "." + required,
					Expected: "present", Actual: "missing",
				})
			}
		}
		for key, child := range v {
			childSchema, known := schema.Properties[key]
			if !known {
				if strict && len(schema.Properties) > 0 {
					errs = append(errs, ValidationError{
						Kind: KindSchema, Field: path + "." + key,
						Expected: "absent", Actual: "unexpected field",
					})
				}
				continue
			}
			errs = append(errs, validate(child, childSchema, path+"."+key, strict)...)
		}
	case []any:
		if schema.Items != nil {
			for i, item := range v {
				errs = append(errs, validate(item, schema.Items, fmt.Sprintf("%s[%d]", path, i), strict)...)
			}
		}
	}

	return errs
}

func jsonTypeOf(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// formatMatches checks the common string formats. Unknown format names are
// not validated.
func formatMatches(format string, s string) bool {
	switch format {
	case "date-time":
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	case "date":
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	case "email":
		at := strings.Index(s, "@")
		return at > 0 && strings.Contains(s[at+1:], ".")
	case "uri":
		u, err := url.Parse(s)
		return err == nil && u.Scheme != ""
	default:
		return true
	}
}

// typeMatches treats "integer" as a number without a fractional part being
// required; JSON has no integer type of its own.
func typeMatches(expected string, actual string) bool {
	if expected == actual {
		return true
	}
	return expected == "integer" && actual == "number"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
