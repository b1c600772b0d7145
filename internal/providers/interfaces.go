package providers

import (
	"context"
	"errors"
	"fmt"
)

// Generator is the one outbound text-generation call every backend implements
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	HealthCheck(ctx context.Context) error
}

// GenerateRequest carries an already augmented prompt plus the raw parts
// for backends that send context separately (system prompts).
type GenerateRequest struct {
	Prompt  string
	Context string
	Query   string
}

// Sampling parameters shared by all backends
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
	DefaultMaxTokens   = 500
)

// ErrorKind classifies why a generation call failed
type ErrorKind string

const (
	ErrorTransport ErrorKind = "transport"
	ErrorStatus    ErrorKind = "status"
	ErrorFormat    ErrorKind = "format"
	ErrorParse     ErrorKind = "parse"
)

var fallbacks = map[ErrorKind]string{
	ErrorTransport: "I apologize, but I'm currently unable to process your request due to a technical issue. Please try again later.",
	ErrorStatus:    "I'm currently experiencing difficulties. Please ensure Ollama is running and try again.",
	ErrorFormat:    "I received an unexpected response format. Please try again.",
	ErrorParse:     "I encountered an error while processing the response. Please try again.",
}

// GenerationError is a failed call with the human-readable text to show instead
type GenerationError struct {
	Kind     ErrorKind
	Fallback string
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("generation %s error", e.Kind)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewGenerationError wraps err with the fallback text for kind
func NewGenerationError(kind ErrorKind, err error) *GenerationError {
	return &GenerationError{Kind: kind, Fallback: FallbackFor(kind), Err: err}
}

// FallbackFor returns the user-facing text for a failure kind
func FallbackFor(kind ErrorKind) string {
	if text, ok := fallbacks[kind]; ok {
		return text
	}
	return fallbacks[ErrorTransport]
}

// FallbackText extracts the fallback from any error returned by a Generator
func FallbackText(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) && genErr.Fallback != "" {
		return genErr.Fallback
	}
	return fallbacks[ErrorTransport]
}
