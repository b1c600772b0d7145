package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/providers"
)

// OllamaProvider calls the native Ollama generate endpoint
type OllamaProvider struct {
	client *api.Client
	config *OllamaConfig
	logger *logrus.Logger
}

// OllamaConfig holds Ollama-specific configuration
type OllamaConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOllamaProvider creates a new Ollama provider instance
func NewOllamaProvider(config *OllamaConfig, logger *logrus.Logger) (*OllamaProvider, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.2"
	}
	if config.Timeout == 0 {
		config.Timeout = 180 * time.Second
	}

	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url %q: %w", config.BaseURL, err)
	}

	return &OllamaProvider{
		client: api.NewClient(base, &http.Client{Timeout: config.Timeout}),
		config: config,
		logger: logger,
	}, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Generate posts the prompt and returns the generated text
func (p *OllamaProvider) Generate(ctx context.Context, req providers.GenerateRequest) (string, error) {
	stream := false
	genReq := &api.GenerateRequest{
		Model:  p.config.Model,
		Prompt: req.Prompt,
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": providers.DefaultTemperature,
			"top_p":       providers.DefaultTopP,
			"max_tokens":  providers.DefaultMaxTokens,
		},
	}

	var text strings.Builder
	err := p.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		genErr := classify(err)
		p.logger.WithError(err).WithField("kind", genErr.Kind).Error("Ollama API call failed")
		return "", genErr
	}

	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", providers.NewGenerationError(providers.ErrorFormat, errors.New("response field missing or empty"))
	}

	p.logger.WithFields(logrus.Fields{
		"model":  p.config.Model,
		"length": len(out),
	}).Debug("Ollama generation completed")

	return out, nil
}

// HealthCheck lists local models to confirm the daemon is reachable
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.List(ctx); err != nil {
		p.logger.WithError(err).Warn("Ollama health check failed")
		return fmt.Errorf("ollama health check failed: %w", err)
	}

	p.logger.Debug("Ollama health check passed")
	return nil
}

// classify maps client errors onto generation failure kinds
func classify(err error) *providers.GenerationError {
	var (
		statusErr api.StatusError
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &statusErr):
		return providers.NewGenerationError(providers.ErrorStatus, err)
	case errors.As(err, &typeErr):
		return providers.NewGenerationError(providers.ErrorFormat, err)
	case errors.As(err, &syntaxErr):
		return providers.NewGenerationError(providers.ErrorParse, err)
	default:
		return providers.NewGenerationError(providers.ErrorTransport, err)
	}
}
