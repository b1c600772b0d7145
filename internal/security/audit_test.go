package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAudit(t *testing.T, config *AuditConfig) (*AuditLogger, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewAuditLogger(config, logger), hook
}

func auditEntries(hook *test.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Data["audit_event"] == true {
			out = append(out, e)
		}
	}
	return out
}

func TestAuditLogger_Middleware(t *testing.T) {
	audit, hook := newTestAudit(t, &AuditConfig{Enabled: true, IncludeHeaders: true})
	auth := NewAuthenticator(&Config{APIKeys: []string{"good-key"}}, quietLogger())

	var seenRequestID string
	handler := audit.Middleware()(auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	req.Header.Set("X-API-Key", "good-key")
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-123", seenRequestID)

	audit.Stop()

	entries := auditEntries(hook)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, RequestServed, e.Data["event_type"])
	assert.Equal(t, apiKeySubject("good-key"), e.Data["subject"])
	assert.Equal(t, "req-123", e.Data["request_id"])
	assert.Equal(t, http.StatusAccepted, e.Data["detail_status_code"])

	headers, ok := e.Data["detail_headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "***REDACTED***", headers["X-Api-Key"])

	logged, dropped := audit.Stats()
	assert.Equal(t, int64(1), logged)
	assert.Zero(t, dropped)
}

func TestAuditLogger_MintsRequestID(t *testing.T) {
	audit, _ := newTestAudit(t, &AuditConfig{Enabled: true})
	defer audit.Stop()

	handler := audit.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Len(t, rec.Header().Get("X-Request-ID"), 26)
}

func TestAuditLogger_Disabled(t *testing.T) {
	audit, hook := newTestAudit(t, &AuditConfig{})

	audit.LogEvent(context.Background(), RequestServed, "ignored", nil)
	audit.Stop()

	logged, _ := audit.Stats()
	assert.Zero(t, logged)
	assert.Empty(t, auditEntries(hook))
}

func TestAuditLogger_DropsWhenFull(t *testing.T) {
	audit, _ := newTestAudit(t, &AuditConfig{Enabled: true, BufferSize: 1, FlushInterval: time.Hour})

	for i := 0; i < 500; i++ {
		audit.LogEvent(context.Background(), RequestServed, "burst", nil)
	}
	audit.Stop()

	logged, dropped := audit.Stats()
	assert.Equal(t, int64(500), logged+dropped)
}

func TestAuditLogger_Sanitize(t *testing.T) {
	audit, _ := newTestAudit(t, &AuditConfig{SensitiveFields: []string{"ssn"}})

	out := audit.sanitize(map[string]interface{}{
		"password": "hunter2",
		"api_key":  "abc",
		"SSN":      "123",
		"path":     "/query",
	})

	assert.Equal(t, "***REDACTED***", out["password"])
	assert.Equal(t, "***REDACTED***", out["api_key"])
	assert.Equal(t, "***REDACTED***", out["SSN"])
	assert.Equal(t, "/query", out["path"])
	assert.Nil(t, audit.sanitize(nil))
}

func TestEventFor(t *testing.T) {
	tests := []struct {
		path     string
		status   int
		want     AuditEventType
		severity string
	}{
		{"/query", http.StatusOK, RequestServed, "low"},
		{"/api/chat-history/alice/history", http.StatusOK, HistoryAccess, "medium"},
		{"/query", http.StatusUnauthorized, AuthenticationFailure, "high"},
		{"/query", http.StatusForbidden, AuthorizationFailure, "high"},
		{"/query", http.StatusTooManyRequests, RateLimitExceeded, "medium"},
		{"/query", http.StatusBadRequest, ValidationFailure, "medium"},
		{"/query", http.StatusInternalServerError, ServerFailure, "critical"},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			got := eventFor(httptest.NewRequest(http.MethodGet, tt.path, nil), tt.status)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.severity, severityOf(got))
		})
	}
}
