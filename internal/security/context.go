package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	authInfoKey contextKey = iota
	requestIDKey
	clientIPKey
	authHolderKey
)

// authHolder lets an outer middleware see who an inner one authenticated
type authHolder struct {
	info *AuthInfo
}

func withAuthHolder(ctx context.Context, h *authHolder) context.Context {
	return context.WithValue(ctx, authHolderKey, h)
}

// WithAuthInfo attaches info to ctx
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	if h, ok := ctx.Value(authHolderKey).(*authHolder); ok {
		h.info = info
	}
	return context.WithValue(ctx, authInfoKey, info)
}

// GetAuthInfo extracts authentication info from request context
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok && info != nil
}

// RequesterFrom returns the authenticated subject, or "" for anonymous calls
func RequesterFrom(ctx context.Context) string {
	if info, ok := GetAuthInfo(ctx); ok {
		return info.Subject
	}
	return ""
}

// RequestID returns the id the audit layer assigned to this request
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func clientIPFrom(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return "unknown"
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIP picks the caller address, preferring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeErrorBody(w, status, errType, message)
}
