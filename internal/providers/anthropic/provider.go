package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/providers"
)

// AnthropicProvider generates text with the Anthropic Messages API
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	if config.Model == "" {
		config.Model = "claude-3-5-haiku-latest"
	}

	// a generation is exactly one outbound call
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Generate sends the department context as the system block and the
// augmented prompt as the single user turn.
func (p *AnthropicProvider) Generate(ctx context.Context, req providers.GenerateRequest) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		MaxTokens: providers.DefaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(providers.DefaultTemperature),
	}

	if req.Context != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.Context, Type: "text"},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.WithError(err).Error("Anthropic API call failed")

		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", providers.NewGenerationError(providers.ErrorStatus, err)
		}
		return "", providers.NewGenerationError(providers.ErrorTransport, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if text.Len() == 0 {
		return "", providers.NewGenerationError(providers.ErrorFormat, errors.New("message has no text content"))
	}

	p.logger.WithFields(logrus.Fields{
		"model":         string(resp.Model),
		"output_tokens": resp.Usage.OutputTokens,
	}).Debug("Anthropic generation completed")

	return strings.TrimSpace(text.String()), nil
}

// HealthCheck performs a health check using a minimal message
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	testReq := anthropic.MessageNewParams{
		Model: anthropic.Model(p.config.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("test")),
		},
		MaxTokens: 1,
	}

	_, err := p.client.Messages.New(ctx, testReq)
	if err != nil {
		p.logger.WithError(err).Warn("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", err)
	}

	p.logger.Debug("Anthropic health check passed")
	return nil
}
