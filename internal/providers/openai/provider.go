package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/providers"
)

// OpenAIProvider generates text through any OpenAI-compatible chat endpoint,
// including the /v1 surface Ollama exposes.
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}

	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	client := openai.NewClientWithConfig(clientConfig)

	return &OpenAIProvider{
		client: client,
		config: config,
		logger: logger,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate performs a single chat completion. The department context goes in
// as the system message and the augmented prompt as the user message.
func (p *OpenAIProvider) Generate(ctx context.Context, req providers.GenerateRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		p.logger.WithError(err).Error("OpenAI API call failed")
		return "", classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return "", providers.NewGenerationError(providers.ErrorFormat, errors.New("completion has no choices"))
	}

	p.logger.WithFields(logrus.Fields{
		"model":             resp.Model,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("OpenAI generation completed")

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *OpenAIProvider) buildRequest(req providers.GenerateRequest) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage

	if req.Context != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Context,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       p.config.Model,
		Messages:    messages,
		Temperature: providers.DefaultTemperature,
		TopP:        providers.DefaultTopP,
		MaxTokens:   providers.DefaultMaxTokens,
	}
}

// HealthCheck performs a health check on the models endpoint
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", err)
	}

	p.logger.Debug("OpenAI health check passed")
	return nil
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewGenerationError(providers.ErrorStatus, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providers.NewGenerationError(providers.ErrorStatus, err)
	}

	return providers.NewGenerationError(providers.ErrorTransport, err)
}
