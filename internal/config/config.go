package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from a YAML file with
// RESEARCH_* environment overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Research  ResearchConfig  `mapstructure:"research"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port        int     `mapstructure:"port"`
	MetricsPort int     `mapstructure:"metrics_port"`
	AuthSecret  string  `mapstructure:"auth_secret"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	TaskTTL       time.Duration `mapstructure:"task_ttl"`
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
}

type PostgresConfig struct {
	// Empty DSN disables run history persistence.
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type ReasoningConfig struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ResearchConfig struct {
	MaxIterations int    `mapstructure:"max_iterations"`
	Depth         string `mapstructure:"depth"`
}

type ToolsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxResults    int           `mapstructure:"max_results"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TavilyAPIKey  string        `mapstructure:"tavily_api_key"`
	TavilyURL     string        `mapstructure:"tavily_url"`
	WikipediaURL  string        `mapstructure:"wikipedia_url"`
	ArxivURL      string        `mapstructure:"arxiv_url"`
}

type StreamingConfig struct {
	RingCapacity int  `mapstructure:"ring_capacity"`
	RedisMirror  bool `mapstructure:"redis_mirror"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.task_ttl", time.Hour)
	v.SetDefault("redis.checkpoint_ttl", time.Hour)

	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", 5*time.Minute)

	v.SetDefault("reasoning.provider", "openai")
	v.SetDefault("reasoning.model", "gpt-4o-mini")
	v.SetDefault("reasoning.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("reasoning.timeout", 120*time.Second)

	v.SetDefault("research.max_iterations", 2)
	v.SetDefault("research.depth", "moderate")

	v.SetDefault("tools.timeout", 20*time.Second)
	v.SetDefault("tools.max_results", 5)
	v.SetDefault("tools.max_concurrent", 0)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.redis_mirror", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
}

// Load reads configuration from path. A missing file is not an error;
// defaults plus environment overrides apply. Env vars use the RESEARCH
// prefix with underscores, e.g. RESEARCH_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// SetConfigFile bypasses viper's search path, so a missing
			// explicit file surfaces as a bare fs.ErrNotExist, never as
			// ConfigFileNotFoundError.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Research.MaxIterations < 1 {
		return fmt.Errorf("research.max_iterations must be >= 1, got %d", c.Research.MaxIterations)
	}
	if c.Streaming.RingCapacity < 1 {
		return fmt.Errorf("streaming.ring_capacity must be >= 1, got %d", c.Streaming.RingCapacity)
	}
	if c.Reasoning.Provider == "" {
		return fmt.Errorf("reasoning.provider must not be empty")
	}
	return nil
}
