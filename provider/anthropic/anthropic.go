// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/provider"
)

const defaultMaxTokens = 4096

// Config holds the Anthropic adapter configuration.
type Config struct {
	// Registry name; defaults to "anthropic".
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Unit prices per model, used to compute actual cost from reported usage.
	Pricing map[string]provider.Pricing `yaml:"pricing,omitempty"`
}

// Client is the Anthropic-backed provider.
type Client struct {
	name    string
	client  *anthropic.Client
	pricing map[string]provider.Pricing
	logger  *zap.SugaredLogger
}

// New creates an Anthropic provider client.
func New(config Config, logger *zap.SugaredLogger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	name := config.Name
	if name == "" {
		name = "anthropic"
	}

	return &Client{
		name:    name,
		client:  &client,
		pricing: config.Pricing,
		logger:  logger,
	}
}

func (c *Client) Name() string {
	return c.name
}

// Generate performs one messages call.
func (c *Client) Generate(ctx context.Context, request *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	params, err := toAnthropicParams(request)
	if err != nil {
		return nil, err
	}

	message, err := c.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	text := extractText(message)
	cost := c.pricing[request.Model].Cost(message.Usage.InputTokens, message.Usage.OutputTokens)

	return &provider.GenerateResponse{
		Text: text,
		Usage: provider.Usage{
			TokensUsed: int32(message.Usage.InputTokens + message.Usage.OutputTokens),
			CostUSD:    cost,
		},
	}, nil
}

// toAnthropicParams maps the abstract request onto MessageNewParams. System
// messages move to the dedicated system field; Claude rejects them inline.
func toAnthropicParams(request *provider.GenerateRequest) (*anthropic.MessageNewParams, error) {
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: defaultMaxTokens,
	}
	if request.MaxTokens != nil {
		params.MaxTokens = int64(*request.MaxTokens)
	}
	if request.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*request.Temperature))
	}

	for _, message := range request.Messages {
		switch message.Role {
		case provider.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: message.Content})
		case provider.RoleUser:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(message.Content)))
		case provider.RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(message.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}

	for _, tool := range request.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters,
				},
			},
		})
	}

	return params, nil
}

func extractText(message *anthropic.Message) string {
	content := strings.Builder{}
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return content.String()
}
