package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// DefaultSpecPath is where the API description lives in the repository
const DefaultSpecPath = "docs/openapi.yaml"

// ValidationMiddleware checks requests against the OpenAPI description
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// NewValidationMiddleware loads and validates the document when enabled
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{}
	}
	vm := &ValidationMiddleware{logger: logger, enabled: config.Enabled}
	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	specPath := config.SpecPath
	if specPath == "" {
		specPath = DefaultSpecPath
	}
	doc, err := LoadSpec(specPath)
	if err != nil {
		return nil, err
	}
	if vm.router, err = gorillamux.NewRouter(doc); err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	logger.WithField("spec_path", specPath).Info("API validation middleware enabled")
	return vm, nil
}

// LoadSpec reads and validates an OpenAPI document. Relative paths are
// also tried from the repository root so tests in subpackages find it.
func LoadSpec(specPath string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()

	path := specPath
	if _, err := os.Stat(path); err != nil && !filepath.IsAbs(path) {
		path = filepath.Join("..", "..", specPath)
	}
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec from %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	return doc, nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request schema validation failed")

			writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// undocumented routes are left to the router's own 404/405
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		if body, err = io.ReadAll(r.Body); err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options:    &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
	}
	err = openapi3filter.ValidateRequest(r.Context(), input)
	r.Body = io.NopCloser(bytes.NewReader(body))
	return err
}

func writeValidationError(w http.ResponseWriter, err error) {
	message := "Request validation failed"
	var details []string

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			message = fmt.Sprintf("Invalid parameter %s", reqErr.Parameter.Name)
		case reqErr.RequestBody != nil:
			message = "Invalid request body format"
		}
		details = append(details, reqErr.Error())
	} else {
		details = append(details, err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": details,
		},
		"timestamp": time.Now().Unix(),
	})
}
