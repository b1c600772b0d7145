package middleware

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/tributary-ai/health-router/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation"`
	Audit      *security.AuditConfig      `yaml:"audit"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	authenticator *security.Authenticator
	rateLimiter   *security.RateLimiter
	validator     *security.RequestValidator
	auditor       *security.AuditLogger
	logger        *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack. Nil
// sections leave the matching layer out.
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	s := &SecurityMiddleware{logger: logger}

	if config.Validation != nil {
		validator, err := security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		s.validator = validator
	}
	if config.Auth != nil {
		s.authenticator = security.NewAuthenticator(config.Auth, logger)
	}
	if config.RateLimit != nil && config.RateLimit.Enabled {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit, logger)
	}
	if config.Audit != nil && config.Audit.Enabled {
		s.auditor = security.NewAuditLogger(config.Audit, logger)
	}
	return s, nil
}

// Handler wraps next so requests pass headers, audit, auth, rate limit
// and validation in that order.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.validator != nil {
			handler = s.validator.Middleware()(handler)
		}
		// after auth so authenticated callers get their own bucket
		if s.rateLimiter != nil {
			handler = s.rateLimiter.Middleware(security.CallerKey)(handler)
		}
		if s.authenticator != nil {
			handler = s.authenticator.Middleware()(handler)
		}
		if s.auditor != nil {
			handler = s.auditor.Middleware()(handler)
		}
		return securityHeaders(handler)
	}
}

// LogSecurityEvent is a convenience method to log security events
func (s *SecurityMiddleware) LogSecurityEvent(ctx context.Context, eventType security.AuditEventType, message string, details map[string]interface{}) {
	if s.auditor != nil {
		s.auditor.LogEvent(ctx, eventType, message, details)
	}
}

// Stop gracefully stops all middleware components
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// GetStats returns security middleware statistics
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"authentication_enabled": s.authenticator != nil,
		"rate_limiter_enabled":   s.rateLimiter != nil,
		"validation_enabled":     s.validator != nil,
		"audit_enabled":          s.auditor != nil,
	}
	if s.auditor != nil {
		logged, dropped := s.auditor.Stats()
		stats["audit_events_logged"] = logged
		stats["audit_events_dropped"] = dropped
	}
	if s.rateLimiter != nil {
		stats["rate_limited_callers"] = s.rateLimiter.Len()
	}
	return stats
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Server", "Health-Router/1.0")
		h.Set("X-API-Version", "1.0")
		next.ServeHTTP(w, r)
	})
}
