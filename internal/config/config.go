// Package config loads the server configuration from a YAML file with
// ${VAR} / ${VAR:-default} environment expansion, applies defaults and
// validates the result.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chat      ChatConfig      `yaml:"chat"`
	Search    SearchConfig    `yaml:"search"`
	Models    []ModelConfig   `yaml:"models"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Mode string `yaml:"mode"` // gin mode: debug, release, test
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	// Driver is "postgres" for production or "sqlite" for single-file
	// development deployments.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// CheckpointTable overrides the checkpoint table name.
	CheckpointTable string `yaml:"checkpoint_table"`
}

// RedisConfig holds the session store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds token and session settings.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	JWTExpireMinutes int    `yaml:"jwt_expire_minutes"`
	JWTIssuer        string `yaml:"jwt_issuer"`
	// MaxLoginNum caps concurrent sessions per user.
	MaxLoginNum int `yaml:"max_login_num"`
}

// TokenTTL returns the access-token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.JWTExpireMinutes) * time.Minute
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is "local" (Ollama) or "openai" (any OpenAI-compatible
	// embeddings endpoint).
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	// Dimension must match the pgvector column width.
	Dimension int `yaml:"dimension"`
}

// ChatConfig tunes the conversation orchestrator.
type ChatConfig struct {
	MaxHistoryMessages     int     `yaml:"max_history_messages"`
	MaxHistoryTokens       int     `yaml:"max_history_tokens"`
	RAGTopK                int     `yaml:"rag_top_k"`
	RAGSimilarityThreshold float64 `yaml:"rag_similarity_threshold"`
	DeepSearchMaxRounds    int     `yaml:"deep_search_max_rounds"`
	DefaultModelCode       string  `yaml:"default_model_code"`
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	TavilyAPIKey string `yaml:"tavily_api_key"`
	MaxResults   int    `yaml:"max_results"`
	Depth        string `yaml:"depth"`
}

// ModelConfig describes one upstream chat model.
type ModelConfig struct {
	// Code is the client-facing model identifier.
	Code string `yaml:"code"`
	// Provider is "deepseek", "openai", "custom", "gemini" or "responses".
	Provider       string   `yaml:"provider"`
	APIKey         string   `yaml:"api_key"`
	BaseURL        string   `yaml:"base_url"`
	Model          string   `yaml:"model"`
	Temperature    *float32 `yaml:"temperature"`
	TopP           *float32 `yaml:"top_p"`
	TopK           *int     `yaml:"top_k"`
	MaxTokens      *int     `yaml:"max_tokens"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the per-invocation timeout.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error, disable
}

// Load reads, expands, decodes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. Exposed for tests.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills unset fields with sensible values.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.CheckpointTable == "" {
		c.Database.CheckpointTable = "checkpoints"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Auth.JWTExpireMinutes == 0 {
		c.Auth.JWTExpireMinutes = 24 * 60
	}
	if c.Auth.JWTIssuer == "" {
		c.Auth.JWTIssuer = "chatgraph"
	}
	if c.Auth.MaxLoginNum == 0 {
		c.Auth.MaxLoginNum = 3
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1024
	}
	if c.Chat.MaxHistoryMessages == 0 {
		c.Chat.MaxHistoryMessages = 20
	}
	if c.Chat.MaxHistoryTokens == 0 {
		c.Chat.MaxHistoryTokens = 4000
	}
	if c.Chat.RAGTopK == 0 {
		c.Chat.RAGTopK = 5
	}
	if c.Chat.RAGSimilarityThreshold == 0 {
		c.Chat.RAGSimilarityThreshold = 0.5
	}
	if c.Chat.DeepSearchMaxRounds == 0 {
		c.Chat.DeepSearchMaxRounds = 3
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.Depth == "" {
		c.Search.Depth = "basic"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Models {
		if c.Models[i].TimeoutSeconds == 0 {
			c.Models[i].TimeoutSeconds = 120
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unknown database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	codes := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Code == "" {
			return fmt.Errorf("model code is required")
		}
		if codes[m.Code] {
			return fmt.Errorf("duplicate model code: %s", m.Code)
		}
		codes[m.Code] = true
	}
	if c.Chat.DefaultModelCode == "" {
		c.Chat.DefaultModelCode = c.Models[0].Code
	}
	if !codes[c.Chat.DefaultModelCode] {
		return fmt.Errorf("default model code %q not configured", c.Chat.DefaultModelCode)
	}
	return nil
}

// Model returns the model config for a code, falling back to the default
// model when code is empty.
func (c *Config) Model(code string) (ModelConfig, error) {
	if code == "" {
		code = c.Chat.DefaultModelCode
	}
	for _, m := range c.Models {
		if m.Code == code {
			return m, nil
		}
	}
	return ModelConfig{}, fmt.Errorf("unknown model code: %s", code)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-1]
		if idx := strings.Index(inner, ":-"); idx != -1 {
			if val := os.Getenv(inner[:idx]); val != "" {
				return val
			}
			return inner[idx+2:]
		}
		return os.Getenv(inner)
	})
}
