package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration read from the environment.
type Config struct {
	Log     LogConfig     `envconfig:"LOG"`
	Server  ServerConfig  `envconfig:"SERVER"`
	Model   ModelConfig   `envconfig:"MODEL"`
	Graph   GraphConfig   `envconfig:"GRAPH"`
	Tools   ToolsConfig   `envconfig:"TOOLS"`
	Backend BackendConfig `envconfig:"BACKEND"`
	MCP     MCPConfig     `envconfig:"MCP"`
	Store   StoreConfig   `envconfig:"STORE"`
}

type LogConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	Format     string `envconfig:"FORMAT" default:"json"`
	Output     string `envconfig:"OUTPUT" default:"stdout"`
	FilePath   string `envconfig:"FILE_PATH" default:"logs/console-agent.log"`
	TimeFormat string `envconfig:"TIME_FORMAT" default:"rfc3339"`
}

type ServerConfig struct {
	Addr              string        `envconfig:"ADDR" default:":8080"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	// TurnTimeout bounds a whole chat turn, including streaming.
	TurnTimeout time.Duration `envconfig:"TURN_TIMEOUT" default:"5m"`
}

// ModelConfig selects and configures the chat model provider.
type ModelConfig struct {
	Provider    string        `envconfig:"PROVIDER" default:"openai"`
	Name        string        `envconfig:"NAME" default:"gpt-4o-mini"`
	APIKey      string        `envconfig:"API_KEY"`
	BaseURL     string        `envconfig:"BASE_URL"`
	Temperature float32       `envconfig:"TEMPERATURE" default:"0.1"`
	MaxTokens   int           `envconfig:"MAX_TOKENS" default:"2048"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s"`
}

type GraphConfig struct {
	// Router is "model" or "rule".
	Router               string `envconfig:"ROUTER" default:"model"`
	MaxSteps             int    `envconfig:"MAX_STEPS" default:"25"`
	MaxWorkerActivations int    `envconfig:"MAX_WORKER_ACTIVATIONS" default:"6"`
	AgentMaxIterations   int    `envconfig:"AGENT_MAX_ITERATIONS" default:"8"`
	AgentsFile           string `envconfig:"AGENTS_FILE" default:"config/agents.yaml"`
}

type ToolsConfig struct {
	Timeout               time.Duration `envconfig:"TIMEOUT" default:"30s"`
	AllowMutatingCommands bool          `envconfig:"ALLOW_MUTATING_COMMANDS" default:"false"`
}

// BackendConfig points at the infrastructure API. An empty URL serves the
// built-in static inventory.
type BackendConfig struct {
	URL     string        `envconfig:"URL"`
	Token   string        `envconfig:"TOKEN"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"15s"`
	// Retries is how many times a throttled or failed call is repeated.
	Retries    int           `envconfig:"RETRIES" default:"2"`
	RetryDelay time.Duration `envconfig:"RETRY_DELAY" default:"500ms"`
}

// MCPConfig describes how to reach the kubectl MCP server.
type MCPConfig struct {
	// Transport is "stdio", "http" or empty to disable command execution.
	Transport  string   `envconfig:"TRANSPORT"`
	Command    string   `envconfig:"COMMAND"`
	Args       []string `envconfig:"ARGS"`
	Env        []string `envconfig:"ENV"`
	URL        string   `envconfig:"URL"`
	Tool       string   `envconfig:"TOOL" default:"kubectl"`
	CommandArg string   `envconfig:"COMMAND_ARG" default:"command"`
	ClusterArg string   `envconfig:"CLUSTER_ARG" default:"context"`
}

type StoreConfig struct {
	// Driver is "memory", "redis" or "postgres".
	Driver          string        `envconfig:"DRIVER" default:"memory"`
	RedisURL        string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"10s"`
	RetentionDays   int           `envconfig:"RETENTION_DAYS" default:"30"`
	CleanupSchedule string        `envconfig:"CLEANUP_SCHEDULE"`
}

// LoadConfig processes the environment into a Config and validates it.
func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks enumerations and bounds that envconfig cannot express.
func (c *Config) Validate() error {
	c.normalize()

	switch c.Graph.Router {
	case "model", "rule":
	default:
		return fmt.Errorf("GRAPH_ROUTER must be model or rule, got %q", c.Graph.Router)
	}
	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, redis or postgres, got %q", c.Store.Driver)
	}
	switch c.MCP.Transport {
	case "", "stdio", "http":
	default:
		return fmt.Errorf("MCP_TRANSPORT must be stdio or http, got %q", c.MCP.Transport)
	}
	if c.MCP.Transport == "stdio" && c.MCP.Command == "" {
		return fmt.Errorf("MCP_COMMAND is required for the stdio transport")
	}
	if c.MCP.Transport == "http" && c.MCP.URL == "" {
		return fmt.Errorf("MCP_URL is required for the http transport")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return fmt.Errorf("STORE_DATABASE_URL is required for the postgres driver")
	}
	if c.Graph.MaxSteps <= 0 || c.Graph.MaxWorkerActivations <= 0 || c.Graph.AgentMaxIterations <= 0 {
		return fmt.Errorf("graph limits must be positive")
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("STORE_RETENTION_DAYS cannot be negative")
	}
	if c.Backend.Retries < 0 {
		return fmt.Errorf("BACKEND_RETRIES cannot be negative")
	}
	return nil
}

// normalize lowercases the enumerated settings so every later comparison
// sees one spelling.
func (c *Config) normalize() {
	c.Graph.Router = strings.ToLower(strings.TrimSpace(c.Graph.Router))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.MCP.Transport = strings.ToLower(strings.TrimSpace(c.MCP.Transport))
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
}
