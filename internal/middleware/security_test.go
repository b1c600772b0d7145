package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/health-router/internal/security"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fullConfig() *SecurityMiddlewareConfig {
	return &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"test-key"},
			RequireAuth: true,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         2,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize: 1024,
			AllowedMethods: []string{"GET", "POST"},
			ContentTypes:   []string{"application/json"},
		},
		Audit: &security.AuditConfig{Enabled: true},
	}
}

func TestNewSecurityMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		config  *SecurityMiddlewareConfig
		wantErr bool
		enabled map[string]bool
	}{
		{
			name:   "all layers",
			config: fullConfig(),
			enabled: map[string]bool{
				"authentication_enabled": true,
				"rate_limiter_enabled":   true,
				"validation_enabled":     true,
				"audit_enabled":          true,
			},
		},
		{
			name:   "nothing configured",
			config: &SecurityMiddlewareConfig{},
			enabled: map[string]bool{
				"authentication_enabled": false,
				"rate_limiter_enabled":   false,
				"validation_enabled":     false,
				"audit_enabled":          false,
			},
		},
		{
			name: "disabled sections are skipped",
			config: &SecurityMiddlewareConfig{
				RateLimit: &security.RateLimitConfig{RequestsPerMinute: 10},
				Audit:     &security.AuditConfig{},
			},
			enabled: map[string]bool{
				"rate_limiter_enabled": false,
				"audit_enabled":        false,
			},
		},
		{
			name: "bad validation pattern",
			config: &SecurityMiddlewareConfig{
				Validation: &security.ValidationConfig{BlockedPatterns: []string{"[unclosed"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecurityMiddleware(tt.config, quietLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer sm.Stop()

			stats := sm.GetStats()
			for key, want := range tt.enabled {
				assert.Equal(t, want, stats[key], key)
			}
		})
	}
}

func TestSecurityMiddleware_Chain(t *testing.T) {
	sm, err := NewSecurityMiddleware(fullConfig(), quietLogger())
	require.NoError(t, err)
	defer sm.Stop()

	var subject string
	handler := sm.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = security.RequesterFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	send := func(method, path, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("public path without credentials", func(t *testing.T) {
		rec := send(http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("missing credentials", func(t *testing.T) {
		rec := send(http.MethodPost, "/query", "", `{"query":"hi"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("authenticated and valid", func(t *testing.T) {
		subject = ""
		rec := send(http.MethodPost, "/query", "test-key", `{"query":"hi"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(subject, "key_"))
	})

	t.Run("invalid body", func(t *testing.T) {
		rec := send(http.MethodPost, "/query", "test-key", `{"query":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
	})

	t.Run("rate limited per subject", func(t *testing.T) {
		// the two previous authenticated requests spent the burst
		rec := send(http.MethodPost, "/query", "test-key", `{"query":"hi"}`)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	stats := sm.GetStats()
	assert.Equal(t, int64(5), stats["audit_events_logged"].(int64)+stats["audit_events_dropped"].(int64))
	assert.Equal(t, 2, stats["rate_limited_callers"])
}

func TestSecurityMiddleware_LogSecurityEvent(t *testing.T) {
	tests := []struct {
		name       string
		config     *SecurityMiddlewareConfig
		wantLogged interface{}
	}{
		{"no audit layer", &SecurityMiddlewareConfig{}, nil},
		{"audit enabled", &SecurityMiddlewareConfig{Audit: &security.AuditConfig{Enabled: true, BufferSize: 10}}, int64(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecurityMiddleware(tt.config, quietLogger())
			require.NoError(t, err)
			defer sm.Stop()

			sm.LogSecurityEvent(context.Background(), security.AuthorizationFailure, "Cross-user read denied",
				map[string]interface{}{"subject": "alice", "requested_user": "bob"})
			assert.Equal(t, tt.wantLogged, sm.GetStats()["audit_events_logged"])
		})
	}
}
