package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/health-router/internal/classifier"
	"github.com/tributary-ai/health-router/internal/middleware"
	"github.com/tributary-ai/health-router/internal/providers/anthropic"
	"github.com/tributary-ai/health-router/internal/providers/ollama"
	"github.com/tributary-ai/health-router/internal/providers/openai"
	"github.com/tributary-ai/health-router/internal/security"
	"github.com/tributary-ai/health-router/internal/server"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Generation GenerationConfig `yaml:"generation"`
	Processor  ProcessorConfig  `yaml:"processor"`
	LogSink    LogSinkConfig    `yaml:"log_sink"`
	History    HistoryConfig    `yaml:"history"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             string        `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
	HistoryTimeout   time.Duration `yaml:"history_timeout"`
	SpecPath         string        `yaml:"spec_path"`
	SchemaValidation bool          `yaml:"schema_validation"`
}

// ClassifierConfig points at replacement keyword tables. Inline rules win
// over a rules file; with neither the built-in tables apply.
type ClassifierConfig struct {
	RulesFile string            `yaml:"rules_file"`
	Rules     *classifier.Rules `yaml:"rules,omitempty"`
}

// GenerationConfig selects and configures the generation backend
type GenerationConfig struct {
	Provider  string                     `yaml:"provider"` // "ollama", "openai" or "anthropic"
	Ollama    *ollama.OllamaConfig       `yaml:"ollama"`
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
}

// ProcessorConfig holds destination processor configuration
type ProcessorConfig struct {
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

// LogSinkConfig holds log sink configuration
type LogSinkConfig struct {
	Capacity int `yaml:"capacity"`
}

// HistoryConfig holds history store configuration
type HistoryConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// ClusterConfig holds leader election and forwarding configuration
type ClusterConfig struct {
	Mode          string        `yaml:"mode"` // "single" or "nats"
	NodeID        string        `yaml:"node_id"`
	NATSURL       string        `yaml:"nats_url"`
	Subject       string        `yaml:"subject"`
	LeaseBucket   string        `yaml:"lease_bucket"`
	LeaseKey      string        `yaml:"lease_key"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys           []string         `yaml:"api_keys,omitempty"`
	JWTSecret         string           `yaml:"jwt_secret"`
	JWTExpiry         time.Duration    `yaml:"jwt_expiry"`
	RequireAuth       bool             `yaml:"require_auth"`
	RateLimiting      RateLimitConfig  `yaml:"rate_limiting"`
	RequestValidation ValidationConfig `yaml:"request_validation"`
	Audit             AuditConfig      `yaml:"audit"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_minute"`
	BurstSize      int  `yaml:"burst_size"`
}

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	MaxQueryLength  int      `yaml:"max_query_length"`
	MaxJSONDepth    int      `yaml:"max_json_depth"`
	BlockedPatterns []string `yaml:"blocked_patterns,omitempty"`
	IPAllowList     []string `yaml:"ip_allow_list,omitempty"`
	IPDenyList      []string `yaml:"ip_deny_list,omitempty"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled        bool `yaml:"enabled"`
	IncludeHeaders bool `yaml:"include_headers"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:        "8080",
		ReadTimeout: 30 * time.Second,
		// must outlast a full query
		WriteTimeout:   200 * time.Second,
		MaxHeaderBytes: 1 << 20,
		QueryTimeout:   180 * time.Second,
		HistoryTimeout: 10 * time.Second,
		SpecPath:       middleware.DefaultSpecPath,
	}

	c.Generation = GenerationConfig{
		Provider: "ollama",
		Ollama: &ollama.OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
			Timeout: 180 * time.Second,
		},
		OpenAI: &openai.OpenAIConfig{
			Model:   "gpt-4o-mini",
			Timeout: 180 * time.Second,
		},
		Anthropic: &anthropic.AnthropicConfig{
			Model:   "claude-3-5-haiku-latest",
			Timeout: 180 * time.Second,
		},
	}

	c.Processor = ProcessorConfig{GenerationTimeout: 180 * time.Second}
	c.LogSink = LogSinkConfig{Capacity: 1000}
	c.History = HistoryConfig{Driver: "sqlite", DSN: "health-router.db"}

	c.Cluster = ClusterConfig{
		Mode:          "single",
		Subject:       "health.router.query",
		LeaseBucket:   "health_router_leader",
		LeaseKey:      "router",
		LeaseTTL:      15 * time.Second,
		RenewInterval: 5 * time.Second,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: 24 * time.Hour,
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 60,
			BurstSize:      10,
		},
		RequestValidation: ValidationConfig{
			MaxRequestSize: 1 << 20,
			MaxQueryLength: 10000,
			MaxJSONDepth:   5,
		},
		Audit: AuditConfig{Enabled: true},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("HEALTH_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("HEALTH_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("HEALTH_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if provider := os.Getenv("HEALTH_ROUTER_PROVIDER"); provider != "" {
		c.Generation.Provider = provider
	}
	if url := os.Getenv("HEALTH_ROUTER_OLLAMA_URL"); url != "" {
		if c.Generation.Ollama == nil {
			c.Generation.Ollama = &ollama.OllamaConfig{}
		}
		c.Generation.Ollama.BaseURL = url
	}
	if model := os.Getenv("HEALTH_ROUTER_MODEL"); model != "" {
		c.setModel(model)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Generation.OpenAI == nil {
			c.Generation.OpenAI = &openai.OpenAIConfig{}
		}
		c.Generation.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.Generation.Anthropic == nil {
			c.Generation.Anthropic = &anthropic.AnthropicConfig{}
		}
		c.Generation.Anthropic.APIKey = key
	}

	if dsn := os.Getenv("HEALTH_ROUTER_HISTORY_DSN"); dsn != "" {
		c.History.DSN = dsn
	}

	if url := os.Getenv("HEALTH_ROUTER_NATS_URL"); url != "" {
		c.Cluster.NATSURL = url
		c.Cluster.Mode = "nats"
	}
	if id := os.Getenv("HEALTH_ROUTER_NODE_ID"); id != "" {
		c.Cluster.NodeID = id
	}
}

// setModel applies model to whichever backend is selected
func (c *Config) setModel(model string) {
	switch c.Generation.Provider {
	case "openai":
		if c.Generation.OpenAI != nil {
			c.Generation.OpenAI.Model = model
		}
	case "anthropic":
		if c.Generation.Anthropic != nil {
			c.Generation.Anthropic.Model = model
		}
	default:
		if c.Generation.Ollama != nil {
			c.Generation.Ollama.Model = model
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.QueryTimeout <= 0 {
		return fmt.Errorf("server query timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	switch c.Generation.Provider {
	case "ollama":
		if c.Generation.Ollama == nil || c.Generation.Ollama.BaseURL == "" {
			return fmt.Errorf("Ollama base URL is required when the ollama provider is selected")
		}
	case "openai":
		// OpenAI-compatible local servers accept any key
		if c.Generation.OpenAI == nil || (c.Generation.OpenAI.APIKey == "" && c.Generation.OpenAI.BaseURL == "") {
			return fmt.Errorf("OpenAI API key is required when the openai provider is selected")
		}
	case "anthropic":
		if c.Generation.Anthropic == nil || c.Generation.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required when the anthropic provider is selected")
		}
	default:
		return fmt.Errorf("invalid generation provider: %s", c.Generation.Provider)
	}

	if c.Processor.GenerationTimeout <= 0 {
		return fmt.Errorf("processor generation timeout must be positive")
	}
	if c.LogSink.Capacity <= 0 {
		return fmt.Errorf("log sink capacity must be positive")
	}

	switch c.History.Driver {
	case "memory":
	case "sqlite":
		if c.History.DSN == "" {
			return fmt.Errorf("history DSN is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid history driver: %s", c.History.Driver)
	}

	switch c.Cluster.Mode {
	case "single":
	case "nats":
		if c.Cluster.NATSURL == "" {
			return fmt.Errorf("NATS URL is required in nats cluster mode")
		}
	default:
		return fmt.Errorf("invalid cluster mode: %s", c.Cluster.Mode)
	}
	if c.Cluster.LeaseTTL <= 0 || c.Cluster.RenewInterval <= 0 || c.Cluster.RenewInterval >= c.Cluster.LeaseTTL {
		return fmt.Errorf("cluster renew interval must be positive and shorter than the lease TTL")
	}

	if c.Security.RequireAuth && len(c.Security.APIKeys) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("require_auth needs at least one API key or a JWT secret")
	}
	return nil
}

// ClassifierRules resolves the keyword tables to use
func (c *Config) ClassifierRules() (classifier.Rules, error) {
	if c.Classifier.Rules != nil {
		return *c.Classifier.Rules, nil
	}
	if c.Classifier.RulesFile != "" {
		return classifier.LoadRules(c.Classifier.RulesFile)
	}
	return classifier.DefaultRules(), nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	cfg := &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		HistoryTimeout: c.Server.HistoryTimeout,
		SpecPath:       c.Server.SpecPath,
		Security:       c.ToSecurityMiddlewareConfig(),
	}
	if c.Server.SchemaValidation {
		cfg.SchemaValidation = &middleware.ValidationConfig{Enabled: true, SpecPath: c.Server.SpecPath}
	}
	return cfg
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			JWTExpiry:   c.Security.JWTExpiry,
			RequireAuth: c.Security.RequireAuth,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			CleanupInterval:   5 * time.Minute,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize:  c.Security.RequestValidation.MaxRequestSize,
			AllowedMethods:  []string{"GET", "POST", "OPTIONS"},
			ContentTypes:    []string{"application/json"},
			BlockedPatterns: c.Security.RequestValidation.BlockedPatterns,
			MaxJSONDepth:    c.Security.RequestValidation.MaxJSONDepth,
			MaxFieldLength:  c.Security.RequestValidation.MaxQueryLength,
			IPAllowList:     c.Security.RequestValidation.IPAllowList,
			IPDenyList:      c.Security.RequestValidation.IPDenyList,
		},
		Audit: &security.AuditConfig{
			Enabled:        c.Security.Audit.Enabled,
			BufferSize:     1000,
			FlushInterval:  10 * time.Second,
			IncludeHeaders: c.Security.Audit.IncludeHeaders,
		},
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
