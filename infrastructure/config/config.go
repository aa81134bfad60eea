package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"graphcollab/application/reconcile"
)

// Config holds all application configuration. Values come from defaults,
// then the YAML file named by CONFIG_FILE, then the environment.
type Config struct {
	// ConfigFile is the YAML file the values were read from, if any
	ConfigFile string `yaml:"-"`

	// Server configuration
	ServerAddress string `yaml:"serverAddress"`
	Environment   string `yaml:"environment"`

	// Store configuration
	StoreBackend     string `yaml:"storeBackend"` // memory | dynamodb
	AWSRegion        string `yaml:"awsRegion"`
	GraphTable       string `yaml:"graphTable"`
	EdgeIndexName    string `yaml:"edgeIndexName"`
	EventBusName     string `yaml:"eventBusName"`
	ConnectionsTable string `yaml:"connectionsTable"`
	ConnectionsIndex string `yaml:"connectionsIndex"`
	MetricsNamespace string `yaml:"metricsNamespace"`

	// Lambda configuration
	IsLambda           bool   `yaml:"isLambda"`
	LambdaFunctionName string `yaml:"-"`

	// WebSocket configuration
	WebSocketEndpoint string          `yaml:"webSocketEndpoint"`
	WebSocket         WebSocketConfig `yaml:"websocket"`

	// Collaboration tunables
	Collab CollabConfig `yaml:"collab"`

	// Logging
	LogLevel string `yaml:"logLevel"`

	// Authentication
	JWTSecret string `yaml:"-"`
	JWTIssuer string `yaml:"jwtIssuer"`

	// Feature flags
	EnableMetrics        bool `yaml:"enableMetrics"`
	EnableTracing        bool `yaml:"enableTracing"`
	EnableCORS           bool `yaml:"enableCors"`
	EnableCircuitBreaker bool `yaml:"enableCircuitBreaker"`
	EnableEventMirror    bool `yaml:"enableEventMirror"`
}

// CollabConfig holds the editing and presence tunables
type CollabConfig struct {
	DebounceWindow       time.Duration `yaml:"debounceWindow"`
	PresenceTTL          time.Duration `yaml:"presenceTTL"`
	SweepInterval        time.Duration `yaml:"sweepInterval"`
	BusBufferSize        int           `yaml:"busBufferSize"`
	ReconcileParallelism int           `yaml:"reconcileParallelism"`
	BatchPolicy          string        `yaml:"batchPolicy"`
}

// WebSocketConfig holds websocket transport limits
type WebSocketConfig struct {
	MaxConnections    int           `yaml:"maxConnections"`
	MaxMessageSize    int64         `yaml:"maxMessageSize"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MessageQueueSize  int           `yaml:"messageQueueSize"`
	MessagesPerSecond float64       `yaml:"messagesPerSecond"`
	Burst             int           `yaml:"burst"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		ServerAddress:    ":8080",
		Environment:      "development",
		StoreBackend:     "memory",
		AWSRegion:        "us-west-2",
		GraphTable:       "graphcollab",
		EdgeIndexName:    "EdgeIndex",
		EventBusName:     "graphcollab-events",
		ConnectionsTable: "graphcollab-connections",
		ConnectionsIndex: "GSI1",
		MetricsNamespace: "GraphCollab",
		WebSocket: WebSocketConfig{
			MaxConnections:    1000,
			MaxMessageSize:    512 * 1024,
			HeartbeatInterval: 10 * time.Second,
			MessageQueueSize:  256,
			MessagesPerSecond: 20,
			Burst:             40,
			AllowedOrigins:    []string{"*"},
		},
		Collab: CollabConfig{
			DebounceWindow:       500 * time.Millisecond,
			PresenceTTL:          30 * time.Second,
			SweepInterval:        5 * time.Second,
			BusBufferSize:        64,
			ReconcileParallelism: 4,
			BatchPolicy:          string(reconcile.BatchAll),
		},
		LogLevel:   "info",
		JWTIssuer:  "graphcollab",
		EnableCORS: true,
	}
}

// LoadConfig loads configuration from the optional YAML file and the environment
func LoadConfig() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.GraphTable = getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", c.GraphTable))
	c.EdgeIndexName = getEnv("EDGE_INDEX_NAME", c.EdgeIndexName)
	c.EventBusName = getEnv("EVENT_BUS_NAME", c.EventBusName)
	c.ConnectionsTable = getEnv("CONNECTIONS_TABLE_NAME", getEnv("CONNECTIONS_TABLE", c.ConnectionsTable))
	c.ConnectionsIndex = getEnv("CONNECTIONS_INDEX_NAME", c.ConnectionsIndex)
	c.MetricsNamespace = getEnv("METRICS_NAMESPACE", c.MetricsNamespace)

	c.IsLambda = getEnvBool("IS_LAMBDA", c.IsLambda)
	c.LambdaFunctionName = getEnv("AWS_LAMBDA_FUNCTION_NAME", c.LambdaFunctionName)
	c.WebSocketEndpoint = getEnv("WEBSOCKET_API_ENDPOINT", getEnv("WEBSOCKET_ENDPOINT", c.WebSocketEndpoint))
	c.WebSocket.MaxConnections = getEnvInt("WS_MAX_CONNECTIONS", c.WebSocket.MaxConnections)

	c.Collab.DebounceWindow = getEnvDuration("DEBOUNCE_WINDOW", c.Collab.DebounceWindow)
	c.Collab.PresenceTTL = getEnvDuration("PRESENCE_TTL", c.Collab.PresenceTTL)
	c.Collab.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Collab.SweepInterval)
	c.Collab.BusBufferSize = getEnvInt("BUS_BUFFER_SIZE", c.Collab.BusBufferSize)
	c.Collab.ReconcileParallelism = getEnvInt("RECONCILE_PARALLELISM", c.Collab.ReconcileParallelism)
	c.Collab.BatchPolicy = getEnv("BATCH_POLICY", c.Collab.BatchPolicy)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)

	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.EnableTracing = getEnvBool("ENABLE_TRACING", c.EnableTracing)
	c.EnableCORS = getEnvBool("ENABLE_CORS", c.EnableCORS)
	c.EnableCircuitBreaker = getEnvBool("ENABLE_CIRCUIT_BREAKER", c.EnableCircuitBreaker)
	c.EnableEventMirror = getEnvBool("ENABLE_EVENT_MIRROR", c.EnableEventMirror)
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "dynamodb":
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or dynamodb, got %q", c.StoreBackend)
	}
	if err := c.Collab.Validate(); err != nil {
		return err
	}
	// a heartbeat every TTL or slower lets healthy sessions expire
	if c.WebSocket.HeartbeatInterval > 0 && c.WebSocket.HeartbeatInterval >= c.Collab.PresenceTTL {
		return fmt.Errorf("heartbeat interval %s must be shorter than the presence TTL %s",
			c.WebSocket.HeartbeatInterval, c.Collab.PresenceTTL)
	}

	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.StoreBackend == "dynamodb" && c.GraphTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required")
		}
		if c.EnableEventMirror && c.EventBusName == "" {
			return fmt.Errorf("EVENT_BUS_NAME is required")
		}
	}
	return nil
}

// Validate checks the collaboration tunables
func (c CollabConfig) Validate() error {
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce window must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence TTL must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.PresenceTTL {
		return fmt.Errorf("sweep interval must be positive and at most the presence TTL")
	}
	if c.BusBufferSize <= 0 {
		return fmt.Errorf("bus buffer size must be positive")
	}
	if c.ReconcileParallelism <= 0 {
		return fmt.Errorf("reconcile parallelism must be positive")
	}
	if !reconcile.BatchPolicy(c.BatchPolicy).Valid() {
		return fmt.Errorf("batch policy must be all or first, got %q", c.BatchPolicy)
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("500ms") or plain milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
