package di

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"graphcollab/application/broadcast"
	"graphcollab/application/commands"
	"graphcollab/application/commands/bus"
	"graphcollab/application/ports"
	"graphcollab/application/presence"
	"graphcollab/application/queries"
	querybus "graphcollab/application/queries/bus"
	"graphcollab/application/query"
	"graphcollab/application/reconcile"
	"graphcollab/application/session"
	"graphcollab/infrastructure/config"
	"graphcollab/infrastructure/messaging/eventbridge"
	"graphcollab/infrastructure/persistence/dynamodb"
	"graphcollab/infrastructure/persistence/memory"
	"graphcollab/infrastructure/persistence/resilient"
	"graphcollab/interfaces/http/rest"
	"graphcollab/interfaces/websocket"
	"graphcollab/pkg/auth"
	"graphcollab/pkg/errors"
	"graphcollab/pkg/observability"
)

const (
	slowQueryThreshold = 250 * time.Millisecond
	tokenTTL           = 12 * time.Hour
	developmentSecret  = "graphcollab-development-secret"
)

// ProvideLogLevel returns the level the logger is built with. It stays
// adjustable at runtime through the config watcher.
func ProvideLogLevel(cfg *config.Config) zap.AtomicLevel {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}
	return level
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config, level zap.AtomicLevel) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.IsProduction() {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "graphcollab")), nil
}

// ProvideErrorHandler creates the HTTP error handler
func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *errors.ErrorHandler {
	return errors.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideAWSConfig creates AWS configuration. With tracing on, every SDK call
// becomes an X-Ray subsegment.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.EnableTracing {
		awsv2.AWSV2Instrumentor(&awsCfg.APIOptions)
	}
	return awsCfg, nil
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCollector creates the Prometheus collector
func ProvideCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.MetricsNamespace)
}

// ProvideTracer creates the X-Ray tracer
func ProvideTracer(cfg *config.Config) *observability.Tracer {
	return observability.NewTracer("graphcollab", cfg.EnableTracing)
}

// ProvideGraphStore selects the store backend. DynamoDB is wrapped in the
// circuit breaker when enabled.
func ProvideGraphStore(
	cfg *config.Config,
	client *awsdynamodb.Client,
	tracer *observability.Tracer,
	collector *observability.Collector,
	logger *zap.Logger,
) ports.GraphStore {
	if cfg.StoreBackend == "memory" {
		logger.Info("Using in-memory graph store")
		return memory.NewStore(nil, logger)
	}

	var store ports.GraphStore = dynamodb.NewStore(client, cfg.GraphTable, cfg.EdgeIndexName, logger)
	if cfg.EnableCircuitBreaker {
		store = resilient.NewStore(store, resilient.DefaultBreakerConfig("graph-store"), tracer, collector, logger)
	}
	logger.Info("Using DynamoDB graph store",
		zap.String("table", cfg.GraphTable),
		zap.Bool("circuitBreaker", cfg.EnableCircuitBreaker),
	)
	return store
}

// ProvideBroadcastBus creates the in-process broadcast bus
func ProvideBroadcastBus(cfg *config.Config, collector *observability.Collector, logger *zap.Logger) *broadcast.Bus {
	b := broadcast.NewBus(cfg.Collab.BusBufferSize, logger)
	b.SetRecorder(collector)
	return b
}

// ProvidePresenceTracker creates the focus claim tracker
func ProvidePresenceTracker(b *broadcast.Bus, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, nil, cfg.Collab.PresenceTTL, logger)
}

// ProvideApplier creates the relation diff applier
func ProvideApplier(store ports.GraphStore, cfg *config.Config, logger *zap.Logger) *reconcile.Applier {
	return reconcile.NewApplier(store, cfg.Collab.ReconcileParallelism, logger)
}

// ProvideEventMirror returns the EventBridge mirror, or nil when disabled
func ProvideEventMirror(cfg *config.Config, client *awseventbridge.Client, logger *zap.Logger) ports.EventPublisher {
	if !cfg.EnableEventMirror {
		return nil
	}
	return eventbridge.NewPublisher(client, cfg.EventBusName, logger)
}

// ProvideSessionManager creates the edit session manager
func ProvideSessionManager(
	store ports.GraphStore,
	b *broadcast.Bus,
	tracker *presence.Tracker,
	applier *reconcile.Applier,
	mirror ports.EventPublisher,
	cfg *config.Config,
	collector *observability.Collector,
	logger *zap.Logger,
) *session.Manager {
	settings := session.DefaultSettings()
	settings.DebounceWindow = cfg.Collab.DebounceWindow
	settings.LivenessHorizon = cfg.Collab.PresenceTTL
	settings.BatchPolicy = reconcile.BatchPolicy(cfg.Collab.BatchPolicy)

	m := session.NewManager(store, b, tracker, applier, mirror, settings, logger)
	m.SetRecorder(collector)
	return m
}

// ProvideCommandBus creates the command bus with every handler registered
func ProvideCommandBus(manager *session.Manager, logger *zap.Logger) (*bus.CommandBus, error) {
	commandBus := bus.NewCommandBus(bus.LoggingMiddleware(logger))
	if err := commands.NewHandlers(manager, logger).Register(commandBus); err != nil {
		return nil, err
	}
	return commandBus, nil
}

// ProvideQueryEngine creates the relation query engine
func ProvideQueryEngine(store ports.GraphStore, logger *zap.Logger) *query.Engine {
	return query.NewEngine(store, logger)
}

// ProvideQueryBus creates the query bus with every handler registered
func ProvideQueryBus(engine *query.Engine, logger *zap.Logger) (*querybus.QueryBus, error) {
	queryBus := querybus.NewQueryBus(querybus.LoggingMiddleware(logger, slowQueryThreshold))
	if err := queries.NewHandlers(engine).Register(queryBus); err != nil {
		return nil, err
	}
	return queryBus, nil
}

// ProvideValidator creates the token validator. Outside production a missing
// secret falls back to a fixed development secret.
func ProvideValidator(cfg *config.Config, logger *zap.Logger) (*auth.Validator, error) {
	secret := cfg.JWTSecret
	if secret == "" && !cfg.IsProduction() {
		logger.Warn("JWT_SECRET not set, using the development secret")
		secret = developmentSecret
	}
	return auth.NewValidator(secret, cfg.JWTIssuer, tokenTTL)
}

// ProvideHub creates the websocket connection hub
func ProvideHub(logger *zap.Logger) *websocket.Hub {
	return websocket.NewHub(logger)
}

// ProvideWebSocketServer creates the websocket endpoint
func ProvideWebSocketServer(
	hub *websocket.Hub,
	validator *auth.Validator,
	manager *session.Manager,
	commandBus *bus.CommandBus,
	cfg *config.Config,
	errorHandler *errors.ErrorHandler,
	logger *zap.Logger,
) *websocket.Server {
	return websocket.NewServer(hub, validator, manager, commandBus, cfg.WebSocket, errorHandler, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(
	manager *session.Manager,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	validator *auth.Validator,
	ws *websocket.Server,
	collector *observability.Collector,
	cfg *config.Config,
	logger *zap.Logger,
	errorHandler *errors.ErrorHandler,
) *rest.Router {
	if !cfg.EnableMetrics {
		collector = nil
	}
	return rest.NewRouter(manager, commandBus, queryBus, validator, ws, collector, cfg, logger, errorHandler)
}

// ProvideWatcher watches the config file for live tunables. It returns nil
// when the configuration did not come from a file.
func ProvideWatcher(
	cfg *config.Config,
	level zap.AtomicLevel,
	tracker *presence.Tracker,
	sessions *session.Manager,
	logger *zap.Logger,
) (*config.Watcher, func(), error) {
	if cfg.ConfigFile == "" {
		return nil, func() {}, nil
	}
	if _, err := os.Stat(cfg.ConfigFile); err != nil {
		return nil, nil, err
	}

	watcher, err := config.NewWatcher(cfg.ConfigFile, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	watcher.OnChange(func(next *config.Config) {
		tracker.SetTTL(next.Collab.PresenceTTL)
		sessions.SetLivenessHorizon(next.Collab.PresenceTTL)
		if err := level.UnmarshalText([]byte(next.LogLevel)); err != nil {
			logger.Warn("Ignoring unknown log level", zap.String("level", next.LogLevel))
		}
	})
	return watcher, watcher.Stop, nil
}
