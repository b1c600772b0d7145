package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods("GET")
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods("GET")
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods("GET")
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.config.SpecPath)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "OpenAPI spec not found")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.config.SpecPath)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "OpenAPI spec not found")
		return
	}
	out, err := yamlToJSON(data)
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI spec")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Error converting OpenAPI spec to JSON")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// yamlToJSON re-encodes a yaml.v2 document. yaml.v2 decodes mappings with
// interface{} keys, which encoding/json cannot marshal, so keys are
// stringified first.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return json.MarshalIndent(stringKeys(doc), "", "  ")
}

func stringKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = stringKeys(val)
		}
		return t
	default:
		return v
	}
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Health Assistant - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`

func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	specURL := template.JSEscapeString(baseURL(r) + "/docs/openapi.yaml")
	_, _ = fmt.Fprintf(w, swaggerPage, specURL)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host
}
