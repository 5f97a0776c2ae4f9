// Package config holds the runtime configuration for the conductor daemon
// and its subsystems. Values come from a YAML file overlaid with environment
// variables (optionally loaded from .env).
package config

import "time"

// OpenAIConfig configures the OpenAI-compatible chat provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AnthropicConfig configures the Anthropic chat provider.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LLMConfig selects and configures the chat providers the proxy and the
// context compactor use.
type LLMConfig struct {
	// Provider is "openai" (default) or "anthropic".
	Provider  string          `yaml:"provider"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	// CompressionModel overrides the model used for context compaction
	// summaries. Empty means the provider default.
	CompressionModel string `yaml:"compression_model"`
}

// QuotaConfig carries the per-node admission limits. A zero value means the
// corresponding limit is not enforced.
type QuotaConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerDay      int `yaml:"tokens_per_day"`
	ConcurrentStreams int `yaml:"concurrent_streams"`
}

// FleetConfig configures node liveness and dispatch.
type FleetConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	// NodesPath is where the node registry snapshot is written.
	NodesPath string `yaml:"nodes_path"`
}

// ContextConfig configures effective-context maintenance.
type ContextConfig struct {
	MaxTokens           int           `yaml:"max_tokens"`
	MaxMessages         int           `yaml:"max_messages"`
	ManagementThreshold int           `yaml:"management_threshold"`
	Strategy            string        `yaml:"strategy"`
	AutoCheckpoint      bool          `yaml:"auto_checkpoint"`
	CheckpointInterval  int           `yaml:"checkpoint_interval"`
	MaxCheckpoints      int           `yaml:"max_checkpoints"`
	CompressionTimeout  time.Duration `yaml:"compression_timeout"`
}

// RedisConfig configures the lock backing store. Addr empty disables Redis
// and the runtime falls back to in-process locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig configures the optional control-plane event mirror.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig configures the daemon ingress.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the root configuration object owned by the composition root.
type Config struct {
	DataPath string       `yaml:"data_path"`
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`

	LLM     LLMConfig     `yaml:"llm"`
	Quota   QuotaConfig   `yaml:"quota"`
	Fleet   FleetConfig   `yaml:"fleet"`
	Context ContextConfig `yaml:"context"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

// ApplyDefaults fills in the documented defaults for values the file and the
// environment left unset.
func (c *Config) ApplyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "data"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8199
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.Fleet.HeartbeatInterval <= 0 {
		c.Fleet.HeartbeatInterval = 30 * time.Second
	}
	if c.Fleet.HeartbeatTimeout <= 0 {
		c.Fleet.HeartbeatTimeout = 90 * time.Second
	}
	if c.Fleet.DefaultTaskTimeout <= 0 {
		c.Fleet.DefaultTaskTimeout = 60 * time.Second
	}
	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = 8000
	}
	if c.Context.MaxMessages <= 0 {
		c.Context.MaxMessages = 50
	}
	if c.Context.ManagementThreshold <= 0 {
		c.Context.ManagementThreshold = 6000
	}
	if c.Context.Strategy == "" {
		c.Context.Strategy = "hybrid"
	}
	if c.Context.CheckpointInterval <= 0 {
		c.Context.CheckpointInterval = 10
	}
	if c.Context.MaxCheckpoints <= 0 {
		c.Context.MaxCheckpoints = 10
	}
	if c.Context.CompressionTimeout <= 0 {
		c.Context.CompressionTimeout = 30 * time.Second
	}
}
