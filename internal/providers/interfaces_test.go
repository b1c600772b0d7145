package providers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackText(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"status", NewGenerationError(ErrorStatus, errors.New("503")), FallbackFor(ErrorStatus)},
		{"wrapped format", fmt.Errorf("call: %w", NewGenerationError(ErrorFormat, nil)), FallbackFor(ErrorFormat)},
		{"plain error", errors.New("boom"), FallbackFor(ErrorTransport)},
		{"unknown kind", &GenerationError{Kind: "odd"}, FallbackFor(ErrorTransport)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FallbackText(tt.err))
		})
	}
}

func TestGenerationError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewGenerationError(ErrorTransport, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transport")
	assert.Contains(t, FallbackFor(ErrorParse), "processing the response")
}
