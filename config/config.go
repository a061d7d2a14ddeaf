package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration engine.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Security     SecurityConfig     `mapstructure:"security"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig contains LLM provider configuration.
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"` // openai
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	MaxRetries int                 `mapstructure:"max_retries"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// AgentConfig holds one agent's identity and sampling settings.
type AgentConfig struct {
	Name        string  `mapstructure:"name"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// AgentsConfig contains per-agent settings plus shared bounds.
type AgentsConfig struct {
	Research     AgentConfig `mapstructure:"research"`
	Analysis     AgentConfig `mapstructure:"analysis"`
	Action       AgentConfig `mapstructure:"action"`
	HistoryLimit int         `mapstructure:"history_limit"`
	CacheSize    int         `mapstructure:"cache_size"`
}

// OrchestratorConfig contains workflow-level settings.
type OrchestratorConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// MCPConfig contains research server client settings.
type MCPConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ServerConfig contains the companion server's listen and fetch settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	RenderMode     string        `mapstructure:"render_mode"` // http or chromedp
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	MaxContentSize int           `mapstructure:"max_content_size"`
	UserAgent      string        `mapstructure:"user_agent"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	switch s.RenderMode {
	case "", "http", "chromedp":
	default:
		return fmt.Errorf("server.render_mode must be http or chromedp, got %q", s.RenderMode)
	}
	return nil
}

// StorageConfig contains document store settings for the companion server.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a connection string from either the url or the parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// SecurityConfig declares domain-level fetch policy.
type SecurityConfig struct {
	AllowedDomains []string `mapstructure:"allowed_domains"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("agents.research.name", "Research Agent")
	v.SetDefault("agents.research.model", "default")
	v.SetDefault("agents.research.temperature", 0.3)
	v.SetDefault("agents.analysis.name", "Analysis Agent")
	v.SetDefault("agents.analysis.model", "default")
	v.SetDefault("agents.analysis.temperature", 0.5)
	v.SetDefault("agents.action.name", "Action Agent")
	v.SetDefault("agents.action.model", "default")
	v.SetDefault("agents.action.temperature", 0.4)
	v.SetDefault("agents.history_limit", 200)
	v.SetDefault("agents.cache_size", 128)
	v.SetDefault("orchestrator.max_retries", 2)
	v.SetDefault("orchestrator.step_timeout", "5m")
	v.SetDefault("orchestrator.history_limit", 1000)
	v.SetDefault("mcp.base_url", "http://localhost:8000")
	v.SetDefault("mcp.timeout", "30s")
	v.SetDefault("mcp.max_retries", 3)
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.render_mode", "http")
	v.SetDefault("server.fetch_timeout", "30s")
	v.SetDefault("server.max_content_size", 10<<20)
	v.SetDefault("server.user_agent", "TriadMCP/1.0 (+research)")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("llm.models.default.name", "gpt-4")
	v.SetDefault("llm.models.default.max_tokens", 4000)
	v.SetDefault("llm.models.default.temperature", 0.7)
}

// Load loads config from the given file, or from the default search
// paths when path is empty. TRIAD_* environment variables override
// file values (e.g. TRIAD_LLM_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TRIAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults + env form a complete config.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return &cfg, nil
}
