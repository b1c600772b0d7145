package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// AuditEventType classifies an audit record
type AuditEventType string

const (
	RequestServed         AuditEventType = "request_served"
	AuthenticationFailure AuditEventType = "authentication_failure"
	AuthorizationFailure  AuditEventType = "authorization_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"
	ServerFailure         AuditEventType = "server_failure"
	HistoryAccess         AuditEventType = "history_access"
)

// AuditEvent is one audited request
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Subject    string                 `json:"subject,omitempty"`
	IPAddress  string                 `json:"ip_address"`
	Method     string                 `json:"method,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	IncludeHeaders  bool          `yaml:"include_headers"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

var defaultSensitive = []string{
	"password", "token", "secret", "key", "auth", "credential", "cookie",
}

// AuditLogger buffers events and writes them as structured log entries
type AuditLogger struct {
	config *AuditConfig
	logger *logrus.Logger

	buffer  chan *AuditEvent
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool

	logged  atomic.Int64
	dropped atomic.Int64
}

// NewAuditLogger starts the writer when auditing is enabled
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config: config,
		logger: logger,
		buffer: make(chan *AuditEvent, config.BufferSize),
		stop:   make(chan struct{}),
	}
	if config.Enabled {
		a.wg.Add(1)
		go a.process()
	}
	return a
}

// LogEvent queues an event. A full buffer drops it.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.config.Enabled || a.stopped {
		return
	}

	event := &AuditEvent{
		ID:        "audit_" + ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Subject:   RequesterFrom(ctx),
		IPAddress: clientIPFrom(ctx),
		RequestID: RequestID(ctx),
		Message:   message,
		Details:   a.sanitize(details),
		Severity:  severityOf(eventType),
	}
	if v, ok := details["method"].(string); ok {
		event.Method = v
	}
	if v, ok := details["path"].(string); ok {
		event.Resource = v
	}
	if v, ok := details["status_code"].(int); ok {
		event.StatusCode = v
	}

	select {
	case a.buffer <- event:
		a.logged.Add(1)
	default:
		a.dropped.Add(1)
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// Middleware assigns a request id and audits every response
func (a *AuditLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = ulid.Make().String()
			}
			ctx := withRequestID(r.Context(), requestID)
			ctx = withClientIP(ctx, ClientIP(r))
			w.Header().Set("X-Request-ID", requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			holder := &authHolder{}
			next.ServeHTTP(rec, r.WithContext(withAuthHolder(ctx, holder)))

			if holder.info != nil {
				ctx = WithAuthInfo(ctx, holder.info)
			}

			details := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"user_agent":  r.UserAgent(),
			}
			if a.config.IncludeHeaders {
				headers := make(map[string]string, len(r.Header))
				for k, v := range r.Header {
					headers[k] = strings.Join(v, ", ")
				}
				details["headers"] = a.sanitizeStrings(headers)
			}

			a.LogEvent(ctx, eventFor(r, rec.status), fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, rec.status), details)
		})
	}
}

// Stats reports queued and dropped totals
func (a *AuditLogger) Stats() (logged, dropped int64) {
	return a.logged.Load(), a.dropped.Load()
}

// Stop flushes queued events and stops the writer
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
}

func (a *AuditLogger) process() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, e := range batch {
			a.write(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-a.buffer:
			batch = append(batch, e)
			if len(batch) == cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stop:
			for {
				select {
				case e := <-a.buffer:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *AuditLogger) write(e *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  e.EventType,
		"event_id":    e.ID,
		"subject":     e.Subject,
		"ip_address":  e.IPAddress,
		"request_id":  e.RequestID,
		"severity":    e.Severity,
	}
	for k, v := range e.Details {
		fields["detail_"+k] = v
	}

	entry := a.logger.WithFields(fields)
	switch e.Severity {
	case "critical":
		entry.Error(e.Message)
	case "high":
		entry.Warn(e.Message)
	case "medium":
		entry.Info(e.Message)
	default:
		entry.Debug(e.Message)
	}
}

func (a *AuditLogger) sanitize(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if a.isSensitive(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

func (a *AuditLogger) sanitizeStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if a.isSensitive(k) {
			v = "***REDACTED***"
		}
		out[k] = v
	}
	return out
}

func (a *AuditLogger) isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range defaultSensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, s := range a.config.SensitiveFields {
		if strings.EqualFold(field, s) {
			return true
		}
	}
	return false
}

func eventFor(r *http.Request, status int) AuditEventType {
	switch {
	case status == http.StatusUnauthorized:
		return AuthenticationFailure
	case status == http.StatusForbidden:
		return AuthorizationFailure
	case status == http.StatusTooManyRequests:
		return RateLimitExceeded
	case status >= 500:
		return ServerFailure
	case status >= 400:
		return ValidationFailure
	case strings.HasPrefix(r.URL.Path, "/api/"):
		return HistoryAccess
	default:
		return RequestServed
	}
}

func severityOf(t AuditEventType) string {
	switch t {
	case ServerFailure:
		return "critical"
	case AuthenticationFailure, AuthorizationFailure:
		return "high"
	case RateLimitExceeded, ValidationFailure, HistoryAccess:
		return "medium"
	default:
		return "low"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
