package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/history"
	"github.com/tributary-ai/health-router/internal/middleware"
	"github.com/tributary-ai/health-router/internal/security"
	"github.com/tributary-ai/health-router/internal/types"
)

const (
	HealthText   = "Health Assistant System is running"
	NotFoundText = "Endpoint not found. Available endpoints: /health, /query, /info, /api/chat-history/{userId}/history, /api/chat-history/analytics"

	AnonymousUser = "anonymous"

	// PermissionReadAnyHistory lets a caller read other users' history
	PermissionReadAnyHistory = "history:read:any"
)

// Submitter answers queries, either locally or through the current leader
type Submitter interface {
	Submit(ctx context.Context, text, requesterID string) types.Response
	IsLeader() bool
	NodeID() string
}

// HistoryReader serves the reporting endpoints
type HistoryReader interface {
	Query(ctx context.Context, filter types.HistoryFilter) ([]types.HistoryEntry, error)
	Analytics(ctx context.Context, filter types.AnalyticsFilter) types.AnalyticsSnapshot
	Ping(ctx context.Context) error
}

// LogReader returns recent log sink records
type LogReader interface {
	Recent(ctx context.Context, requester string, limit int) ([]types.LogRecord, error)
}

// HealthChecker reports whether the generation backend is reachable
type HealthChecker interface {
	CheckBackend(ctx context.Context) error
	Backend() string
}

// Deps are the units the HTTP front end talks to
type Deps struct {
	Queries    Submitter
	History    HistoryReader
	Logs       LogReader
	Generation HealthChecker
}

// Server represents the HTTP server
type Server struct {
	deps               Deps
	httpServer         *http.Server
	logger             *logrus.Logger
	config             *ServerConfig
	securityMiddleware *middleware.SecurityMiddleware
	schemaValidator    *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             string                               `yaml:"port"`
	ReadTimeout      time.Duration                        `yaml:"read_timeout"`
	WriteTimeout     time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes   int                                  `yaml:"max_header_bytes"`
	HistoryTimeout   time.Duration                        `yaml:"history_timeout"`
	CheckTimeout     time.Duration                        `yaml:"check_timeout"`
	SpecPath         string                               `yaml:"spec_path"`
	Security         *middleware.SecurityMiddlewareConfig `yaml:"security"`
	SchemaValidation *middleware.ValidationConfig         `yaml:"schema_validation"`
}

// QueryRequest is the body of POST /query
type QueryRequest struct {
	Query  string `json:"query"`
	UserID string `json:"userId"`
}

// HistoryResponse is the body of the chat history endpoint
type HistoryResponse struct {
	UserID       string               `json:"userId"`
	Entries      []types.HistoryEntry `json:"entries"`
	Success      bool                 `json:"success"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
}

// LogsResponse is the body of the log sink endpoint
type LogsResponse struct {
	UserID  string            `json:"userId,omitempty"`
	Records []types.LogRecord `json:"records"`
}

// NewServer creates a new server instance
func NewServer(deps Deps, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	if config.HistoryTimeout <= 0 {
		config.HistoryTimeout = history.DefaultAskTimeout
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	if config.SpecPath == "" {
		config.SpecPath = middleware.DefaultSpecPath
	}

	server := &Server{
		deps:   deps,
		logger: logger,
		config: config,
	}

	if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}
	if config.SchemaValidation != nil && config.SchemaValidation.Enabled {
		if config.SchemaValidation.SpecPath == "" {
			config.SchemaValidation.SpecPath = config.SpecPath
		}
		validator, err := middleware.NewValidationMiddleware(config.SchemaValidation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize schema validation: %w", err)
		}
		server.schemaValidator = validator
	}

	return server, nil
}

// Start serves until Stop is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting Health Assistant HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Health Assistant HTTP server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}
	return err
}

// Handler builds the routed handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	if s.schemaValidator != nil {
		r.Use(s.schemaValidator.Middleware)
	}

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/query", s.handleQuery).Methods("POST", "OPTIONS")
	r.HandleFunc("/info", s.handleInfo).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chat-history/analytics", s.handleAnalytics).Methods("GET")
	api.HandleFunc("/chat-history/{userId}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/logs", s.handleLogs).Methods("GET")
	api.HandleFunc("/logs/{userId}", s.handleLogs).Methods("GET")

	s.setupSwaggerRoutes(r)

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
			"request_id":  security.RequestID(r.Context()),
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !isJSON(contentType) {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(HealthText))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.CheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := map[string]interface{}{}

	if err := s.deps.History.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["history"] = map[string]interface{}{"healthy": false, "error": err.Error()}
	} else {
		checks["history"] = map[string]interface{}{"healthy": true}
	}

	// an unreachable backend degrades answers to fallbacks but does not fail readiness
	if s.deps.Generation != nil {
		gen := map[string]interface{}{"healthy": true, "backend": s.deps.Generation.Backend()}
		if err := s.deps.Generation.CheckBackend(ctx); err != nil {
			gen["healthy"] = false
			gen["error"] = err.Error()
		}
		checks["generation"] = gen
	}

	body := map[string]interface{}{
		"ready":     status == http.StatusOK,
		"node_id":   s.deps.Queries.NodeID(),
		"leader":    s.deps.Queries.IsLeader(),
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	}
	if s.securityMiddleware != nil {
		body["security"] = s.securityMiddleware.GetStats()
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	userID := s.requesterFor(r, req.UserID)
	s.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"query_length": len(req.Query),
	}).Info("Received HTTP query")

	resp := s.deps.Queries.Submit(r.Context(), security.SanitizeInput(req.Query), userID)

	s.logger.WithFields(logrus.Fields{
		"query_id":   resp.QueryID,
		"department": resp.Department,
		"success":    resp.Success,
	}).Info("Returning HTTP response")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"system":      "Health Assistant",
		"version":     "1.0.0",
		"departments": types.AllDestinations(),
		"features":    []string{"chat-history", "sqlite-persistence", "log-sink"},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if !s.mayRead(r, userID, "history") {
		s.writeErrorResponse(w, http.StatusForbidden, "Not allowed to read another user's history")
		return
	}

	limit, err := intParam(r, "limit", history.DefaultLimit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := types.HistoryFilter{
		RequesterID: userID,
		SessionID:   r.URL.Query().Get("sessionId"),
		Destination: types.Destination(r.URL.Query().Get("department")),
		Limit:       limit,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HistoryTimeout)
	defer cancel()

	entries, err := s.deps.History.Query(ctx, filter)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to read chat history")
		s.writeJSON(w, http.StatusOK, HistoryResponse{UserID: userID, Entries: []types.HistoryEntry{}, ErrorMessage: err.Error()})
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{UserID: userID, Entries: entries, Success: true})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.AnalyticsFilter{RequesterID: q.Get("userId")}
	if filter.RequesterID != "" && !s.mayRead(r, filter.RequesterID, "analytics") {
		s.writeErrorResponse(w, http.StatusForbidden, "Not allowed to read another user's analytics")
		return
	}

	var err error
	if filter.From, err = timeParam(r, "from"); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.To, err = timeParam(r, "to"); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HistoryTimeout)
	defer cancel()

	// failures are reported inside the snapshot
	s.writeJSON(w, http.StatusOK, s.deps.History.Analytics(ctx, filter))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	// no userId reads every requester's records
	userID := mux.Vars(r)["userId"]
	if !s.mayRead(r, userID, "logs") {
		s.writeErrorResponse(w, http.StatusForbidden, "Not allowed to read another user's logs")
		return
	}

	limit, err := intParam(r, "limit", history.DefaultLimit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HistoryTimeout)
	defer cancel()

	records, err := s.deps.Logs.Recent(ctx, userID, limit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("Log sink unavailable: %v", err))
		return
	}
	if records == nil {
		records = []types.LogRecord{}
	}
	s.writeJSON(w, http.StatusOK, LogsResponse{UserID: userID, Records: records})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(NotFoundText))
}

// Helper functions

// requesterFor uses the authenticated subject when there is one. Without
// auth the body id is trusted, falling back to AnonymousUser.
func (s *Server) requesterFor(r *http.Request, explicit string) string {
	if subject := security.RequesterFrom(r.Context()); subject != "" {
		if explicit != "" && explicit != subject {
			s.logSecurityEvent(r, security.AuthorizationFailure, "Requester id in body ignored", map[string]interface{}{
				"subject":        subject,
				"requested_user": explicit,
			})
		}
		return subject
	}
	if explicit != "" {
		return explicit
	}
	return AnonymousUser
}

// mayRead lets anonymous deployments read anything. Authenticated callers
// see their own records unless granted PermissionReadAnyHistory. An empty
// userID means every user.
func (s *Server) mayRead(r *http.Request, userID, resource string) bool {
	info, ok := security.GetAuthInfo(r.Context())
	if !ok || (userID != "" && info.Subject == userID) {
		return true
	}

	details := map[string]interface{}{
		"subject":        info.Subject,
		"requested_user": userID,
		"resource":       resource,
	}
	for _, p := range info.Permissions {
		if p == PermissionReadAnyHistory {
			s.logSecurityEvent(r, security.HistoryAccess, "Cross-user read granted", details)
			return true
		}
	}
	s.logSecurityEvent(r, security.AuthorizationFailure, "Cross-user read denied", details)
	return false
}

func (s *Server) logSecurityEvent(r *http.Request, eventType security.AuditEventType, message string, details map[string]interface{}) {
	if s.securityMiddleware != nil {
		s.securityMiddleware.LogSecurityEvent(r.Context(), eventType, message, details)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 time", name)
	}
	return t, nil
}

func isJSON(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mediaType) == "application/json"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
