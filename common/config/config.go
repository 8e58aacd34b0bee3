package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service       ServiceConfig
	Flows         FlowConfig
	Collaborators CollaboratorConfig
	Events        EventConfig
	Database      DatabaseConfig
	Engine        EngineConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
	OpsPort     int
}

// FlowConfig holds the base directories flows are loaded from
type FlowConfig struct {
	TextDir   string
	BinaryDir string
	Source    string // "file" or "postgres"
}

// CollaboratorConfig holds the endpoints of the remote services node
// handlers call. Each is a host:port base URL.
type CollaboratorConfig struct {
	SearchURL    string
	AnswerURL    string
	ComplaintURL string
	DocumentURL  string
	CompilerURL  string
	NotifyTopic  string
}

// EventConfig holds the message-sink settings for the outbox publisher.
// An empty broker address disables publishing.
type EventConfig struct {
	BrokerAddr     string
	BrokerPassword string
	Stream         string
	RunStream      string
}

// Enabled reports whether a message sink is configured.
func (e EventConfig) Enabled() bool { return e.BrokerAddr != "" }

// DatabaseConfig holds Postgres connection settings for the flow repository
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// EngineConfig holds execution timeouts and the retry policy
type EngineConfig struct {
	NodeTimeout   time.Duration
	FlowTimeout   time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			OpsPort:     getEnvInt("OPS_PORT", 9102),
		},
		Flows: FlowConfig{
			TextDir:   getEnv("FLOW_DIR", "flows"),
			BinaryDir: getEnv("FLOW_BIN_DIR", "flows/compiled"),
			Source:    getEnv("FLOW_SOURCE", "file"),
		},
		Collaborators: CollaboratorConfig{
			SearchURL:    getEnv("SEARCH_URL", "http://localhost:7101"),
			AnswerURL:    getEnv("ANSWER_URL", "http://localhost:7102"),
			ComplaintURL: getEnv("COMPLAINT_URL", "http://localhost:7103"),
			DocumentURL:  getEnv("DOCUMENT_URL", "http://localhost:7104"),
			CompilerURL:  getEnv("COMPILER_URL", ""),
			NotifyTopic:  getEnv("NOTIFY_TOPIC", "bot.replies"),
		},
		Events: EventConfig{
			BrokerAddr:     getEnv("EVENT_BROKER_ADDR", ""),
			BrokerPassword: getEnv("EVENT_BROKER_PASSWORD", ""),
			Stream:         getEnv("EVENT_STREAM", "flow.events"),
			RunStream:      getEnv("RUN_STREAM", "flow.run.requests"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowcore"),
			User:        getEnv("POSTGRES_USER", "flowcore"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowcore"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Engine: EngineConfig{
			NodeTimeout:   getEnvDuration("NODE_TIMEOUT", 5*time.Second),
			FlowTimeout:   getEnvDuration("FLOW_TIMEOUT", 60*time.Second),
			MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 3),
			BackoffBase:   getEnvDuration("BACKOFF_BASE", 200*time.Millisecond),
			BackoffFactor: getEnvFloat("BACKOFF_FACTOR", 2),
			BackoffCap:    getEnvDuration("BACKOFF_CAP", 2*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.OpsPort < 1 || c.Service.OpsPort > 65535 {
		return fmt.Errorf("invalid ops port: %d", c.Service.OpsPort)
	}

	if c.Flows.TextDir == "" {
		return fmt.Errorf("flow directory is required")
	}

	if c.Flows.Source != "file" && c.Flows.Source != "postgres" {
		return fmt.Errorf("unknown flow source: %s", c.Flows.Source)
	}

	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}

	if c.Engine.NodeTimeout <= 0 {
		return fmt.Errorf("node_timeout must be > 0")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
