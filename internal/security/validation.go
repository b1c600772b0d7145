package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	AllowedMethods  []string `yaml:"allowed_methods"`
	ContentTypes    []string `yaml:"allowed_content_types"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	MaxJSONDepth    int      `yaml:"max_json_depth"`
	MaxFieldLength  int      `yaml:"max_field_length"`
	IPAllowList     []string `yaml:"ip_allow_list"`
	IPDenyList      []string `yaml:"ip_deny_list"`
}

// ValidationResult lists the problems found with one request
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// RequestValidator rejects malformed or disallowed requests before routing
type RequestValidator struct {
	config  *ValidationConfig
	logger  *logrus.Logger
	blocked []*regexp.Regexp
	allow   []netip.Prefix
	deny    []netip.Prefix
}

// NewRequestValidator compiles patterns and address lists
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 1 << 20
	}
	if config.MaxJSONDepth <= 0 {
		config.MaxJSONDepth = 10
	}
	if config.MaxFieldLength <= 0 {
		config.MaxFieldLength = 10000
	}

	v := &RequestValidator{config: config, logger: logger}
	for _, pattern := range config.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		v.blocked = append(v.blocked, re)
	}

	var err error
	if v.allow, err = parsePrefixes(config.IPAllowList); err != nil {
		return nil, err
	}
	if v.deny, err = parsePrefixes(config.IPDenyList); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateRequest checks method, size, content type and caller address
func (v *RequestValidator) ValidateRequest(r *http.Request) ValidationResult {
	res := ValidationResult{Valid: true}

	if !containsFold(v.config.AllowedMethods, r.Method) {
		res.fail("Method %s not allowed", r.Method)
	}
	if r.ContentLength > v.config.MaxRequestSize {
		res.fail("Request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize)
	}
	if hasBody(r.Method) {
		ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
		ct = strings.TrimSpace(ct)
		if ct != "" && !containsFold(v.config.ContentTypes, ct) {
			res.fail("Content-Type %s not allowed", ct)
		}
	}

	if ip, err := netip.ParseAddr(ClientIP(r)); err == nil {
		if len(v.allow) > 0 && !matchesAny(v.allow, ip) {
			res.fail("IP %s not allowed", ip)
		}
		if matchesAny(v.deny, ip) {
			res.fail("IP %s is blocked", ip)
		}
	}

	if v.matchesBlocked(r.URL.RequestURI()) {
		res.fail("Request contains blocked patterns")
	}
	return res
}

// ValidateJSON checks encoding, nesting depth, string lengths and blocked content
func (v *RequestValidator) ValidateJSON(body []byte) ValidationResult {
	res := ValidationResult{Valid: true}

	if !utf8.Valid(body) {
		res.fail("Request body contains invalid UTF-8")
		return res
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		res.fail("Invalid JSON: %s", err)
		return res
	}
	if depth := jsonDepth(data); depth > v.config.MaxJSONDepth {
		res.fail("JSON depth %d exceeds maximum %d", depth, v.config.MaxJSONDepth)
	}
	if field, ok := v.longField(data); ok {
		res.fail("Field %s exceeds maximum length %d", field, v.config.MaxFieldLength)
	}
	if v.matchesBlocked(string(body)) {
		res.fail("Request body contains blocked patterns")
	}
	return res
}

// SanitizeInput strips NUL and control characters other than newline and tab
func SanitizeInput(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Middleware rejects invalid requests with 400 and restores the body for handlers
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := v.ValidateRequest(r)

			if res.Valid && hasBody(r.Method) && r.Body != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, v.config.MaxRequestSize+1))
				r.Body.Close()
				switch {
				case err != nil:
					res.fail("Failed to read request body")
				case int64(len(body)) > v.config.MaxRequestSize:
					res.fail("Request body exceeds maximum %d", v.config.MaxRequestSize)
				case len(body) > 0:
					res = v.ValidateJSON(body)
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			if !res.Valid {
				v.logger.WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"client_ip": ClientIP(r),
					"errors":    res.Errors,
				}).Warn("Request validation failed")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				writeErrorBody(w, http.StatusBadRequest, "validation_error", "Request validation failed", res.Errors...)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *RequestValidator) matchesBlocked(text string) bool {
	for _, re := range v.blocked {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) longField(data interface{}) (string, bool) {
	switch d := data.(type) {
	case map[string]interface{}:
		for k, val := range d {
			if utf8.RuneCountInString(k) > v.config.MaxFieldLength {
				return truncate(k), true
			}
			if s, ok := val.(string); ok && utf8.RuneCountInString(s) > v.config.MaxFieldLength {
				return k, true
			}
			if f, ok := v.longField(val); ok {
				return k + "." + f, true
			}
		}
	case []interface{}:
		for i, val := range d {
			if s, ok := val.(string); ok && utf8.RuneCountInString(s) > v.config.MaxFieldLength {
				return fmt.Sprintf("[%d]", i), true
			}
			if f, ok := v.longField(val); ok {
				return fmt.Sprintf("[%d].%s", i, f), true
			}
		}
	}
	return "", false
}

func jsonDepth(data interface{}) int {
	deepest := 0
	switch d := data.(type) {
	case map[string]interface{}:
		for _, val := range d {
			deepest = max(deepest, jsonDepth(val))
		}
	case []interface{}:
		for _, val := range d {
			deepest = max(deepest, jsonDepth(val))
		}
	default:
		return 0
	}
	return deepest + 1
}

func parsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", s, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func matchesAny(prefixes []netip.Prefix, ip netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(ip.Unmap()) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func truncate(s string) string {
	if len(s) > 50 {
		return s[:50] + "..."
	}
	return s
}
