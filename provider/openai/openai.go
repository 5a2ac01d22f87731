// Package openai adapts the OpenAI chat completion API to the provider
// contract.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/provider"
)

// Config holds the OpenAI adapter configuration.
type Config struct {
	// Registry name; defaults to "openai".
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	OrgID   string `yaml:"org_id,omitempty"`

	// Unit prices per model, used to compute actual cost from reported usage.
	Pricing map[string]provider.Pricing `yaml:"pricing,omitempty"`
}

// Client is the OpenAI-backed provider.
type Client struct {
	name    string
	client  *goopenai.Client
	pricing map[string]provider.Pricing
	logger  *zap.SugaredLogger
}

// New creates an OpenAI provider client.
func New(config Config, logger *zap.SugaredLogger) *Client {
	clientConfig := goopenai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	name := config.Name
	if name == "" {
		name = "openai"
	}

	return &Client{
		name:    name,
		client:  goopenai.NewClientWithConfig(clientConfig),
		pricing: config.Pricing,
		logger:  logger,
	}
}

func (c *Client) Name() string {
	return c.name
}

// Generate performs one chat completion call.
func (c *Client) Generate(ctx context.Context, request *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	openaiRequest := toOpenAiRequest(request)

	response, err := c.client.CreateChatCompletion(ctx, openaiRequest)
	if err != nil {
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices for model %s", request.Model)
	}

	cost := c.pricing[request.Model].Cost(
		int64(response.Usage.PromptTokens), int64(response.Usage.CompletionTokens))

	return &provider.GenerateResponse{
		Text: response.Choices[0].Message.Content,
		Usage: provider.Usage{
			TokensUsed: int32(response.Usage.TotalTokens),
			CostUSD:    cost,
		},
	}, nil
}

func toOpenAiRequest(request *provider.GenerateRequest) goopenai.ChatCompletionRequest {
	openaiRequest := goopenai.ChatCompletionRequest{
		Model:    request.Model,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(request.Messages)),
	}
	for _, message := range request.Messages {
		openaiRequest.Messages = append(openaiRequest.Messages, goopenai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		})
	}
	if request.Temperature != nil {
		openaiRequest.Temperature = *request.Temperature
	}
	if request.MaxTokens != nil {
		openaiRequest.MaxTokens = int(*request.MaxTokens)
	}
	if request.ResponseFormat != nil && request.ResponseFormat.Type == "json_object" {
		openaiRequest.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, tool := range request.Tools {
		openaiRequest.Tools = append(openaiRequest.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if request.ToolChoice != nil {
		openaiRequest.ToolChoice = *request.ToolChoice
	}
	return openaiRequest
}
