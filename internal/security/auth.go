package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

const tokenIssuer = "health-router"

// AuthInfo describes an authenticated caller. Subject doubles as the
// requester id for history and logs.
type AuthInfo struct {
	Subject     string     `json:"subject"`
	Method      string     `json:"method"`
	Permissions []string   `json:"permissions,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Claims are the JWT claims accepted by the service
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
	PublicPaths []string      `yaml:"public_paths"`
}

// DefaultPublicPaths never require credentials
var DefaultPublicPaths = []string{"/health", "/ready", "/info", "/docs"}

// Authenticator validates API keys and HS256 bearer tokens
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthenticator applies defaults to config
func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	if config.PublicPaths == nil {
		config.PublicPaths = DefaultPublicPaths
	}
	return &Authenticator{config: config, logger: logger}
}

// Authenticate accepts either a configured API key or a signed token
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if info, ok := a.matchAPIKey(token); ok {
		return info, nil
	}
	if a.config.JWTSecret != "" {
		claims, err := a.ParseToken(token)
		if err == nil {
			info := &AuthInfo{
				Subject:     claims.Subject,
				Method:      "jwt",
				Permissions: claims.Permissions,
			}
			if claims.ExpiresAt != nil {
				exp := claims.ExpiresAt.Time
				info.ExpiresAt = &exp
			}
			return info, nil
		}
	}

	a.logger.WithFields(logrus.Fields{
		"token_prefix": maskKey(token),
		"remote_ip":    clientIPFrom(ctx),
	}).Warn("Invalid credentials presented")
	return nil, ErrInvalidToken
}

// IssueToken signs a token whose subject becomes the caller's requester id
func (a *Authenticator) IssueToken(subject string, permissions ...string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature, issuer and expiry
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware authenticates every non-public request. When auth is not
// required, valid credentials are still attached so the subject is known.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			ctx := withClientIP(r.Context(), ClientIP(r))

			if token == "" {
				if a.config.RequireAuth && !a.isPublic(r.URL.Path) {
					writeJSONError(w, http.StatusUnauthorized, "authentication_error", ErrMissingToken.Error())
					return
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			info, err := a.Authenticate(ctx, token)
			if err != nil {
				if a.config.RequireAuth && !a.isPublic(r.URL.Path) {
					writeJSONError(w, http.StatusUnauthorized, "authentication_error", err.Error())
					return
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			a.logger.WithFields(logrus.Fields{
				"subject":   info.Subject,
				"auth_type": info.Method,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(ctx, info)))
		})
	}
}

func (a *Authenticator) matchAPIKey(token string) (*AuthInfo, bool) {
	for _, key := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return &AuthInfo{Subject: apiKeySubject(token), Method: "api_key"}, true
		}
	}
	return nil, false
}

func (a *Authenticator) isPublic(path string) bool {
	for _, p := range a.config.PublicPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.Header.Get("API-Key")
}

// apiKeySubject derives a stable requester id without exposing the key
func apiKeySubject(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:6])
}
