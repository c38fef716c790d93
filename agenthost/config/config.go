package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	History HistoryConfig `mapstructure:"history"`
	Harness HarnessConfig `mapstructure:"harness"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Search  SearchConfig  `mapstructure:"search"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig stores the HTTP listener settings.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig stores the text-generation backend settings.
type BackendConfig struct {
	BaseURL     string        `mapstructure:"base_url"`    // OpenAI-compatible server root
	Model       string        `mapstructure:"model"`       // model name sent with each request
	Temperature float32       `mapstructure:"temperature"` // primary generation temperature
	MaxTokens   int           `mapstructure:"max_tokens"`  // primary generation budget
	CachePrompt bool          `mapstructure:"cache_prompt"`
	Timeout     time.Duration `mapstructure:"timeout"` // 0 disables the client timeout
}

// HistoryConfig stores the conversation log settings.
type HistoryConfig struct {
	Root     string `mapstructure:"root"`      // data root; one directory per agent
	MaxPairs int    `mapstructure:"max_pairs"` // retention and prompt window, in user/assistant pairs
}

// HarnessConfig stores the turn orchestrator settings.
type HarnessConfig struct {
	Mode          string        `mapstructure:"mode"`   // "stream" | "batch"
	Marker        string        `mapstructure:"marker"` // inline directive marker
	MaxToolRounds int           `mapstructure:"max_tool_rounds"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`

	// Maintenance pass
	MaintenanceEnabled     bool     `mapstructure:"maintenance_enabled"`
	MaintenanceTemperature float32  `mapstructure:"maintenance_temperature"`
	MaintenanceMaxTokens   int      `mapstructure:"maintenance_max_tokens"`
	MaintenanceTools       []string `mapstructure:"maintenance_tools"`

	// Tools whose invocation wipes history at the end of the turn
	DurableTools []string `mapstructure:"durable_tools"`

	// Telemetry: "zerolog" | "otel" | "none"
	Tracing string `mapstructure:"tracing"`

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Tool result cache
	CacheEnabled    bool `mapstructure:"cache_enabled"`
	CacheCapacity   int  `mapstructure:"cache_capacity"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`
}

// MemoryConfig stores long-term memory settings.
type MemoryConfig struct {
	DirName  string `mapstructure:"dir_name"`  // per-agent subdirectory under history.root
	DefaultK int    `mapstructure:"default_k"` // results returned by memory.retrieve when k is omitted
}

// SearchConfig stores the web search/fetch client settings.
type SearchConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	SearchRPM       int           `mapstructure:"search_rpm"`
	FetchRPM        int           `mapstructure:"fetch_rpm"`
	MaxContentChars int           `mapstructure:"max_content_chars"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// LoggingConfig stores logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// legacyEnv maps config keys to the bare environment names older deployments use.
var legacyEnv = map[string]string{
	"backend.base_url": "LLAMACPP_BASE_URL",
	"history.root":     "CHROMA_PERSIST_ROOT",
	"server.host":      "HOST",
	"server.port":      "PORT",
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("/etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultAppName)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. backend.base_url becomes AGENTHOST_BACKEND_BASE_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range legacyEnv {
		prefixed := strings.ToUpper(internal.DefaultAppName + "_" + strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", internal.DefaultHost)
	v.SetDefault("server.port", internal.DefaultPort)
	v.SetDefault("server.read_header_timeout", "10s")

	v.SetDefault("backend.base_url", internal.DefaultBackendURL)
	v.SetDefault("backend.model", internal.DefaultModel)
	v.SetDefault("backend.temperature", 0.7)
	v.SetDefault("backend.max_tokens", 1024)
	v.SetDefault("backend.cache_prompt", true)
	v.SetDefault("backend.timeout", "0s")

	v.SetDefault("history.root", internal.DefaultDataRoot)
	v.SetDefault("history.max_pairs", 20)

	v.SetDefault("harness.mode", "stream")
	v.SetDefault("harness.marker", internal.DefaultMarker)
	v.SetDefault("harness.max_tool_rounds", 3)
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.maintenance_enabled", true)
	v.SetDefault("harness.maintenance_temperature", 0.2)
	v.SetDefault("harness.maintenance_max_tokens", 256)
	v.SetDefault("harness.maintenance_tools", []string{
		"agent.update_notes",
		"agent.update_impression",
		"agent.update_mood",
		"agent.update_memory_summary",
		"memory.insert",
	})
	v.SetDefault("harness.durable_tools", []string{"memory.insert"})
	v.SetDefault("harness.tracing", "zerolog")
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 256)
	v.SetDefault("harness.cache_ttl_seconds", 600)

	v.SetDefault("memory.dir_name", internal.MemoryDirName)
	v.SetDefault("memory.default_k", 6)

	v.SetDefault("search.base_url", internal.DefaultSearchURL)
	v.SetDefault("search.search_rpm", 30)
	v.SetDefault("search.fetch_rpm", 20)
	v.SetDefault("search.max_content_chars", 8000)
	v.SetDefault("search.timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	if c.History.MaxPairs < 1 {
		return fmt.Errorf("history.max_pairs must be >= 1, got %d", c.History.MaxPairs)
	}
	switch c.Harness.Mode {
	case "stream", "batch":
	default:
		return fmt.Errorf("harness.mode must be \"stream\" or \"batch\", got %q", c.Harness.Mode)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Harness.Marker) == "" {
		return fmt.Errorf("harness.marker cannot be empty")
	}
	return nil
}
