package provider

import (
	"context"
)

// Roles of chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a callable tool exposed to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ResponseFormat asks the provider for structured output.
type ResponseFormat struct {
	// "text" or "json_object".
	Type string `json:"type"`
}

// GenerateRequest is the abstract completion request every adapter accepts.
// Cancellation and deadlines travel on the context.
type GenerateRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      *int32          `json:"max_tokens,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     *string         `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Usage reports what a completed call consumed.
type Usage struct {
	TokensUsed int32   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// GenerateResponse is the abstract completion result.
type GenerateResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Pricing is a model's unit price sheet, used by adapters to compute the
// actual cost of a completed call.
type Pricing struct {
	InputPer1KUSD  float64 `yaml:"input_per_1k_usd" json:"input_per_1k_usd"`
	OutputPer1KUSD float64 `yaml:"output_per_1k_usd" json:"output_per_1k_usd"`
	PerRequestUSD  float64 `yaml:"per_request_usd" json:"per_request_usd"`
}

// Cost computes the spend of one call given its token split.
func (p Pricing) Cost(inputTokens int64, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputPer1KUSD +
		float64(outputTokens)/1000*p.OutputPer1KUSD +
		p.PerRequestUSD
}

// Provider is the contract every per-vendor adapter implements. Adapters are
// thin wire-format wrappers; retries, breakers, budgets, and caching all live
// above this interface.
type Provider interface {
	Name() string
	Generate(ctx context.Context, request *GenerateRequest) (*GenerateResponse, error)
}

// PromptText flattens messages into a single prompt string. Used for cache
// keying and token estimation, not for wire formats.
func PromptText(messages []Message) string {
	total := 0
	for _, message := range messages {
		total += len(message.Role) + len(message.Content) + 2
	}
	buf := make([]byte, 0, total)
	for _, message := range messages {
		buf = append(buf, message.Role...)
		buf = append(buf, ':', ' ')
		buf = append(buf, message.Content...)
		buf = append(buf, '\n')
	}
	return string(buf)
}

// EstimateTokens approximates the token count of a text. Four characters per
// token tracks the hosted models closely enough for routing estimates.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return len(text)/4 + 1
}
