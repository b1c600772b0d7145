package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/health-router/internal/classifier"
	"github.com/tributary-ai/health-router/internal/cluster"
	"github.com/tributary-ai/health-router/internal/config"
	"github.com/tributary-ai/health-router/internal/gateway"
	"github.com/tributary-ai/health-router/internal/history"
	"github.com/tributary-ai/health-router/internal/logsink"
	"github.com/tributary-ai/health-router/internal/processor"
	"github.com/tributary-ai/health-router/internal/providers"
	"github.com/tributary-ai/health-router/internal/providers/anthropic"
	"github.com/tributary-ai/health-router/internal/providers/ollama"
	"github.com/tributary-ai/health-router/internal/providers/openai"
	"github.com/tributary-ai/health-router/internal/routing"
	"github.com/tributary-ai/health-router/internal/security"
	"github.com/tributary-ai/health-router/internal/server"
	"github.com/tributary-ai/health-router/internal/types"
)

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	config *config.Config
	logger *logrus.Logger

	// units outlive the signal context so they can be stopped in order
	units      context.Context
	stopUnits  context.CancelFunc
	gateway    *gateway.Gateway
	sink       *logsink.Sink
	store      history.Store
	recorder   *history.Recorder
	processors []*processor.Processor
	singleton  *cluster.Singleton
	nc         *nats.Conn
	server     *server.Server
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}
	app.units, app.stopUnits = context.WithCancel(context.Background())
	if err := app.build(); err != nil {
		app.shutdown()
		return nil, err
	}
	return app, nil
}

// build wires units bottom-up. Whatever was started is stopped by shutdown on error.
func (app *Application) build() error {
	cfg, logger := app.config, app.logger

	rules, err := cfg.ClassifierRules()
	if err != nil {
		return err
	}
	cls, err := classifier.New(rules)
	if err != nil {
		return fmt.Errorf("failed to build classifier: %w", err)
	}

	generator, err := newGenerator(cfg.Generation, logger)
	if err != nil {
		return err
	}
	app.gateway = gateway.New(app.units, generator, logger)
	app.sink = logsink.New(app.units, cfg.LogSink.Capacity, logger)

	if app.store, err = openStore(cfg.History); err != nil {
		return err
	}
	app.recorder = history.NewRecorder(app.units, app.store, logger)

	handlers := make(map[types.Destination]routing.Handler)
	deps := processor.Deps{Gateway: app.gateway, LogSink: app.sink, History: app.recorder}
	for _, profile := range types.DefaultProfiles() {
		p := processor.New(app.units, profile, deps, cfg.Processor.GenerationTimeout, logger)
		app.processors = append(app.processors, p)
		handlers[profile.Destination] = p
	}

	factory := func(ctx context.Context) cluster.Dispatcher {
		return routing.NewRouter(ctx, cls, handlers, logger)
	}

	store, transport, err := app.clusterBackends()
	if err != nil {
		return err
	}
	app.singleton = cluster.NewSingleton(cluster.Config{
		NodeID:        cfg.Cluster.NodeID,
		LeaseTTL:      cfg.Cluster.LeaseTTL,
		RenewInterval: cfg.Cluster.RenewInterval,
		QueryTimeout:  cfg.Server.QueryTimeout,
	}, store, factory, transport, logger)

	app.server, err = server.NewServer(server.Deps{
		Queries:    app.singleton,
		History:    app.recorder,
		Logs:       app.sink,
		Generation: app.gateway,
	}, cfg.ToServerConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"provider":     generator.Name(),
		"history":      cfg.History.Driver,
		"cluster_mode": cfg.Cluster.Mode,
		"departments":  len(app.processors),
	}).Info("Health Assistant initialized")
	return nil
}

// clusterBackends picks the lease store and forwarding transport
func (app *Application) clusterBackends() (cluster.LeaseStore, cluster.Transport, error) {
	c := app.config.Cluster
	if c.Mode != "nats" {
		// a lone node always wins its own lease
		return cluster.NewMemoryLeaseStore(), nil, nil
	}

	nc, err := nats.Connect(c.NATSURL,
		nats.Name("health-router"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			app.logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			app.logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	app.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	store, err := cluster.NewNATSLeaseStore(js, c.LeaseBucket, c.LeaseKey, c.LeaseTTL)
	if err != nil {
		return nil, nil, err
	}
	return store, cluster.NewNATSTransport(nc, c.Subject, app.logger), nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting Health Assistant")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// processors answer with fallback text while the backend is down
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := app.gateway.CheckBackend(checkCtx); err != nil {
		app.logger.WithError(err).Warn("Generation backend not reachable at startup")
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.singleton.Run(gctx)
	})
	g.Go(func() error {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	app.shutdown()
	if err != nil {
		return err
	}
	app.logger.Info("Graceful shutdown completed")
	return nil
}

// shutdown stops units after the router so in-flight work still gets answers
func (app *Application) shutdown() {
	if app.gateway != nil {
		app.gateway.Stop()
	}
	for _, p := range app.processors {
		p.Stop()
	}
	for _, p := range app.processors {
		select {
		case <-p.Done():
		case <-time.After(shutdownTimeout):
			app.logger.WithField("department", p.Destination()).Warn("Processor did not stop in time")
		}
	}
	if app.sink != nil {
		app.sink.Stop()
	}
	if app.recorder != nil {
		app.recorder.Stop()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close history store")
		}
	}
	if app.nc != nil {
		app.nc.Close()
	}
	app.stopUnits()
}

func newGenerator(cfg config.GenerationConfig, logger *logrus.Logger) (providers.Generator, error) {
	switch cfg.Provider {
	case "ollama":
		provider, err := ollama.NewOllamaProvider(cfg.Ollama, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "openai":
		return openai.NewOpenAIProvider(cfg.OpenAI, logger), nil
	case "anthropic":
		return anthropic.NewAnthropicProvider(cfg.Anthropic, logger), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}

func openStore(cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Driver == "memory" {
		return history.NewMemoryStore(), nil
	}
	store, err := history.OpenSQLite(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}
	return nil
}

// issueToken prints a signed bearer token whose subject becomes the requester id
func issueToken(cfg *config.Config, subject string, logger *logrus.Logger) error {
	auth := security.NewAuthenticator(cfg.ToSecurityMiddlewareConfig().Auth, logger)
	token, err := auth.IssueToken(subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_PORT         Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_LOG_LEVEL    Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_LOG_FORMAT   Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_PROVIDER     Generation backend (ollama,openai,anthropic)\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_OLLAMA_URL   Ollama base URL\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_MODEL        Model for the selected backend\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_HISTORY_DSN  sqlite database path\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_NATS_URL     NATS server; enables cluster mode\n")
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_NODE_ID      Cluster node id\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY             OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY          Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  HEALTH_ROUTER_NATS_URL=nats://localhost:4222 HEALTH_ROUTER_NODE_ID=node-1 %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		tokenFor   = flag.String("issue-token", "", "Print a bearer token for the given subject and exit")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *version {
		fmt.Printf("Health Assistant Router v1.0.0\n")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		if err := issueToken(cfg, *tokenFor, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	app, err := NewApplication(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
