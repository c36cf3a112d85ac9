// Package config provides YAML configuration loading, validation, and the
// secrets lookup chain for the boardroom orchestrator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"boardroom/pkg/proto"
)

// Provider names. The provider set is closed; the router's strategy tables
// are defined over exactly these three.
const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Model name constants.
const (
	ModelClaudeSonnet  = "claude-sonnet-4-20250514"
	ModelClaudeOpus    = "claude-opus-4-20250514"
	ModelClaudeHaiku   = "claude-3-5-haiku-20241022"
	ModelGeminiFlash   = "gemini-2.0-flash"
	ModelGeminiPro     = "gemini-2.5-pro"
	ModelOpenAIGPT4o   = "gpt-4o"
	ModelOpenAIEmbed   = "text-embedding-3-small"
	EmbeddingDimension = 1536
)

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIKeySecret string `yaml:"api_key_secret"` // secret name resolved via Secrets
	DefaultModel string `yaml:"default_model"`
	// MonthlyQuota is the token quota per calendar month. Zero disables
	// quota warnings and availability limits for the provider.
	MonthlyQuota int64 `yaml:"monthly_quota"`
}

// AgentConfig configures one roster agent.
type AgentConfig struct {
	Type         proto.AgentType `yaml:"type"`
	Name         string          `yaml:"name"`
	ProfilePath  string          `yaml:"profile_path"`
	LoopInterval int             `yaml:"loop_interval_seconds"`
}

// SessionConfig configures the LLM session pool.
type SessionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Command        string `yaml:"command"` // provider CLI binary
	MCPConfigPath  string `yaml:"mcp_config_path"`
	MaxLoops       int    `yaml:"max_loops"`
	MaxAgeMinutes  int    `yaml:"max_age_minutes"`
	StartTimeoutS  int    `yaml:"start_timeout_seconds"`
	SendTimeoutS   int    `yaml:"send_timeout_seconds"`
	ConnectTimeout int    `yaml:"connect_timeout_seconds"`
}

// SchedulerConfig configures loop cadence enforcement and system jobs.
type SchedulerConfig struct {
	MaxConcurrentPerAgent int `yaml:"max_concurrent_per_agent"`
	LoopTimeoutSeconds    int `yaml:"loop_timeout_seconds"`
	HealthCheckIntervalS  int `yaml:"health_check_interval_seconds"`
	ShutdownGraceSeconds  int `yaml:"shutdown_grace_seconds"`
}

// DataCacheConfig configures the market/news fetchers.
type DataCacheConfig struct {
	Enabled           bool   `yaml:"enabled"`
	NewsURL           string `yaml:"news_url"`
	MarketURL         string `yaml:"market_url"`
	GlobalURL         string `yaml:"global_url"`
	FearGreedURL      string `yaml:"fear_greed_url"`
	NewsPageSize      int    `yaml:"news_page_size"`
	FetchIntervalSecs int    `yaml:"fetch_interval_seconds"`
}

// LLMConfig holds router defaults; the live values come from system settings.
type LLMConfig struct {
	RoutingStrategy string `yaml:"routing_strategy"`
	EnableFallback  bool   `yaml:"enable_fallback"`
	PreferGemini    bool   `yaml:"prefer_gemini"`
}

// DecisionConfig holds decision engine defaults.
type DecisionConfig struct {
	MaxVetoRounds int      `yaml:"max_veto_rounds"`
	HumanChannels []string `yaml:"human_channels"` // telegram, email, dashboard
}

// Config is the process-level configuration, validated at startup. Invalid
// configuration is fatal; runtime-tunable values live in system settings.
type Config struct {
	DBPath        string                    `yaml:"db_path"`
	EventLogDir   string                    `yaml:"event_log_dir"`
	PrometheusURL string                    `yaml:"prometheus_url"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Agents        []AgentConfig             `yaml:"agents"`
	Session       SessionConfig             `yaml:"session"`
	Scheduler     SchedulerConfig           `yaml:"scheduler"`
	DataCache     DataCacheConfig           `yaml:"data_cache"`
	LLM           LLMConfig                 `yaml:"llm"`
	Decisions     DecisionConfig            `yaml:"decisions"`
	Container     ContainerConfig           `yaml:"container"`
}

// ContainerConfig configures the container backend used for agent runtimes.
type ContainerConfig struct {
	Backend string `yaml:"backend"` // "docker" or "none"
	Image   string `yaml:"image"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	agents := make([]AgentConfig, 0, 7)
	for _, at := range proto.AllAgentTypes() {
		agents = append(agents, AgentConfig{
			Type:         at,
			Name:         string(at),
			LoopInterval: 3600,
		})
	}
	return &Config{
		DBPath:      "boardroom.db",
		EventLogDir: "logs",
		Providers: map[string]ProviderConfig{
			ProviderClaude: {Enabled: true, APIKeySecret: "ANTHROPIC_API_KEY", DefaultModel: ModelClaudeSonnet},
			ProviderGemini: {Enabled: true, APIKeySecret: "GEMINI_API_KEY", DefaultModel: ModelGeminiFlash},
			ProviderOpenAI: {Enabled: false, APIKeySecret: "OPENAI_API_KEY", DefaultModel: ModelOpenAIGPT4o},
		},
		Agents: agents,
		Session: SessionConfig{
			Enabled:        true,
			Command:        "claude",
			MaxLoops:       20,
			MaxAgeMinutes:  120,
			StartTimeoutS:  60,
			SendTimeoutS:   300,
			ConnectTimeout: 2,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentPerAgent: 2,
			LoopTimeoutSeconds:    300,
			HealthCheckIntervalS:  60,
			ShutdownGraceSeconds:  30,
		},
		DataCache: DataCacheConfig{
			Enabled:           true,
			NewsPageSize:      30,
			FetchIntervalSecs: 300,
		},
		LLM: LLMConfig{
			RoutingStrategy: "task-type",
			EnableFallback:  true,
		},
		Decisions: DecisionConfig{
			MaxVetoRounds: 3,
			HumanChannels: []string{"telegram", "email", "dashboard"},
		},
		Container: ContainerConfig{Backend: "none"},
	}
}

// LoadConfig reads and validates a YAML config file, applying defaults for
// absent fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants. Failures here are fatal at startup.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	seen := make(map[proto.AgentType]bool)
	for i := range c.Agents {
		a := &c.Agents[i]
		if _, err := proto.ParseAgentType(string(a.Type)); err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		if seen[a.Type] {
			return fmt.Errorf("duplicate agent type: %s", a.Type)
		}
		seen[a.Type] = true
		if a.LoopInterval <= 0 {
			return fmt.Errorf("agent %s: loop_interval_seconds must be positive", a.Type)
		}
	}
	for name := range c.Providers {
		switch name {
		case ProviderClaude, ProviderGemini, ProviderOpenAI:
		default:
			return fmt.Errorf("unknown provider: %s", name)
		}
	}
	if c.Scheduler.MaxConcurrentPerAgent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_per_agent must be positive")
	}
	if c.Session.MaxLoops <= 0 {
		return fmt.Errorf("session.max_loops must be positive")
	}
	switch c.LLM.RoutingStrategy {
	case "claude-only", "task-type", "agent-role", "gemini-prefer", "load-balance":
	default:
		return fmt.Errorf("unknown llm.routing_strategy: %s", c.LLM.RoutingStrategy)
	}
	return nil
}

// AgentFor returns the config entry for an agent type.
func (c *Config) AgentFor(at proto.AgentType) (AgentConfig, bool) {
	for i := range c.Agents {
		if c.Agents[i].Type == at {
			return c.Agents[i], true
		}
	}
	return AgentConfig{}, false
}

// LoopTimeout returns the per-loop hard timeout.
func (c *Config) LoopTimeout() time.Duration {
	return time.Duration(c.Scheduler.LoopTimeoutSeconds) * time.Second
}

// SessionSendTimeout returns the per-request session exchange timeout.
func (c *Config) SessionSendTimeout() time.Duration {
	if c.Session.SendTimeoutS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Session.SendTimeoutS) * time.Second
}
