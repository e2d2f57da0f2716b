package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all service configuration. Values are layered: built-in
// defaults, then an optional TOML file, then environment overrides.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Database  DatabaseConfig  `toml:"database"`
	Bus       BusConfig       `toml:"bus"`
	Executor  ExecutorConfig  `toml:"executor"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string `toml:"-"`
	Port        int    `toml:"port"`
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
}

// DatabaseConfig holds Postgres connection settings for the execution journal
type DatabaseConfig struct {
	Enabled     bool          `toml:"enabled"`
	Host        string        `toml:"host"`
	Port        int           `toml:"port"`
	Database    string        `toml:"database"`
	User        string        `toml:"user"`
	Password    string        `toml:"password"`
	MaxConns    int           `toml:"max_conns"`
	MinConns    int           `toml:"min_conns"`
	MaxIdleTime time.Duration `toml:"-"`
	MaxLifetime time.Duration `toml:"-"`
}

// BusConfig holds message bus settings (Redis-backed)
type BusConfig struct {
	RedisHost     string `toml:"redis_host"`
	RedisPort     int    `toml:"redis_port"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// ExecutorConfig holds workflow-executor settings. Timeout and cap options
// are expressed in seconds to match the definition document conventions.
type ExecutorConfig struct {
	Namespace                string `toml:"namespace"`
	AgentName                string `toml:"agent_name"`
	AppName                  string `toml:"app_name"`
	WorkflowFile             string `toml:"workflow_file"`
	MaxWorkflowExecutionTime int    `toml:"max_workflow_execution_time_seconds"`
	DefaultNodeTimeout       int    `toml:"default_node_timeout_seconds"`
	NodeCancellationTimeout  int    `toml:"node_cancellation_timeout_seconds"`
	DefaultMaxLoopIterations int    `toml:"default_max_loop_iterations"`
	DefaultMaxMapItems       int    `toml:"default_max_map_items"`
	AnnounceInterval         int    `toml:"announce_interval_seconds"`
	AgentCardTTL             int    `toml:"agent_card_ttl_seconds"`
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool `toml:"pprof_enabled"`
	PprofPort   int  `toml:"pprof_port"`
}

// Load builds configuration for a service: defaults, then the TOML file
// named by MESHFLOW_CONFIG (or ./meshflow.toml when present), then
// environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := defaults(serviceName)

	path := os.Getenv("MESHFLOW_CONFIG")
	if path == "" {
		if _, err := os.Stat("meshflow.toml"); err == nil {
			path = "meshflow.toml"
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Service.Name = serviceName

	return cfg, cfg.Validate()
}

func defaults(serviceName string) *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        8080,
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Database: DatabaseConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        5432,
			Database:    "meshflow",
			User:        "meshflow",
			Password:    "meshflow",
			MaxConns:    20,
			MinConns:    2,
			MaxIdleTime: 30 * time.Minute,
			MaxLifetime: time.Hour,
		},
		Bus: BusConfig{
			RedisHost: "localhost",
			RedisPort: 6379,
			RedisDB:   0,
		},
		Executor: ExecutorConfig{
			Namespace:                "meshflow",
			AppName:                  "meshflow",
			MaxWorkflowExecutionTime: 1800,
			DefaultNodeTimeout:       300,
			NodeCancellationTimeout:  30,
			DefaultMaxLoopIterations: 100,
			DefaultMaxMapItems:       100,
			AnnounceInterval:         300,
			AgentCardTTL:             900,
		},
		Telemetry: TelemetryConfig{
			EnablePprof: false,
			PprofPort:   6060,
		},
	}
}

// applyEnv overrides file/default values from the environment.
func (c *Config) applyEnv() {
	c.Service.Port = getEnvInt("PORT", c.Service.Port)
	c.Service.Environment = getEnv("ENVIRONMENT", c.Service.Environment)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	c.Service.LogFormat = getEnv("LOG_FORMAT", c.Service.LogFormat)

	c.Database.Enabled = getEnvBool("POSTGRES_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.Database = getEnv("POSTGRES_DB", c.Database.Database)
	c.Database.User = getEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = getEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.MaxConns = getEnvInt("POSTGRES_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("POSTGRES_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxIdleTime = getEnvDuration("POSTGRES_MAX_IDLE_TIME", c.Database.MaxIdleTime)
	c.Database.MaxLifetime = getEnvDuration("POSTGRES_MAX_LIFETIME", c.Database.MaxLifetime)

	c.Bus.RedisHost = getEnv("REDIS_HOST", c.Bus.RedisHost)
	c.Bus.RedisPort = getEnvInt("REDIS_PORT", c.Bus.RedisPort)
	c.Bus.RedisPassword = getEnv("REDIS_PASSWORD", c.Bus.RedisPassword)
	c.Bus.RedisDB = getEnvInt("REDIS_DB", c.Bus.RedisDB)

	c.Executor.Namespace = getEnv("MESHFLOW_NAMESPACE", c.Executor.Namespace)
	c.Executor.AgentName = getEnv("MESHFLOW_AGENT_NAME", c.Executor.AgentName)
	c.Executor.AppName = getEnv("MESHFLOW_APP_NAME", c.Executor.AppName)
	c.Executor.WorkflowFile = getEnv("MESHFLOW_WORKFLOW_FILE", c.Executor.WorkflowFile)
	c.Executor.MaxWorkflowExecutionTime = getEnvInt("MESHFLOW_MAX_WORKFLOW_EXECUTION_TIME_SECONDS", c.Executor.MaxWorkflowExecutionTime)
	c.Executor.DefaultNodeTimeout = getEnvInt("MESHFLOW_DEFAULT_NODE_TIMEOUT_SECONDS", c.Executor.DefaultNodeTimeout)
	c.Executor.NodeCancellationTimeout = getEnvInt("MESHFLOW_NODE_CANCELLATION_TIMEOUT_SECONDS", c.Executor.NodeCancellationTimeout)
	c.Executor.DefaultMaxLoopIterations = getEnvInt("MESHFLOW_DEFAULT_MAX_LOOP_ITERATIONS", c.Executor.DefaultMaxLoopIterations)
	c.Executor.DefaultMaxMapItems = getEnvInt("MESHFLOW_DEFAULT_MAX_MAP_ITEMS", c.Executor.DefaultMaxMapItems)
	c.Executor.AnnounceInterval = getEnvInt("MESHFLOW_ANNOUNCE_INTERVAL_SECONDS", c.Executor.AnnounceInterval)
	c.Executor.AgentCardTTL = getEnvInt("MESHFLOW_AGENT_CARD_TTL_SECONDS", c.Executor.AgentCardTTL)

	c.Telemetry.EnablePprof = getEnvBool("ENABLE_PPROF", c.Telemetry.EnablePprof)
	c.Telemetry.PprofPort = getEnvInt("PPROF_PORT", c.Telemetry.PprofPort)
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Bus.RedisHost == "" {
		return fmt.Errorf("bus redis host is required")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required when journal is enabled")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	}

	if c.Executor.MaxWorkflowExecutionTime <= 0 {
		return fmt.Errorf("max_workflow_execution_time_seconds must be positive")
	}
	if c.Executor.DefaultNodeTimeout <= 0 {
		return fmt.Errorf("default_node_timeout_seconds must be positive")
	}
	if c.Executor.DefaultMaxLoopIterations <= 0 {
		return fmt.Errorf("default_max_loop_iterations must be positive")
	}
	if c.Executor.DefaultMaxMapItems <= 0 {
		return fmt.Errorf("default_max_map_items must be positive")
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

// RedisAddr returns the host:port address of the bus Redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Bus.RedisHost, c.Bus.RedisPort)
}

// WorkflowTimeout returns the global execution deadline as a duration
func (c *ExecutorConfig) WorkflowTimeout() time.Duration {
	return time.Duration(c.MaxWorkflowExecutionTime) * time.Second
}

// NodeTimeout returns the default per-sub-task timeout as a duration
func (c *ExecutorConfig) NodeTimeout() time.Duration {
	return time.Duration(c.DefaultNodeTimeout) * time.Second
}

// CancellationGrace returns the forced-failure grace window as a duration
func (c *ExecutorConfig) CancellationGrace() time.Duration {
	return time.Duration(c.NodeCancellationTimeout) * time.Second
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
