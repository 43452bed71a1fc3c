package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultTemperature       = 0.7
	DefaultMaxToolIterations = 20
	DefaultExecTimeout       = 60

	ModelReasoningEffortLow    = "low"
	ModelReasoningEffortMedium = "medium"
	ModelReasoningEffortHigh   = "high"
	ModelReasoningEffortXHigh  = "xhigh"
)

// Config is the on-disk application configuration for cmd/harness: the
// model/provider to talk to, the tool sandbox policy, hook shell commands,
// an MCP server list, and auto-compact/token-tracking knobs. The mcp,
// skills and tokenTracking sections are loaded and saved, but cmd/harness
// does not act on them: no MCP server is connected from this list. It is a
// trimmed descendant of the
// teacher's own config shape — the channel-gateway and long-term-memory
// sections that config.json used to carry existed to serve the chatbot
// gateway this module does not build, so they are not part of this type.
type Config struct {
	Agent         AgentConfig         `json:"agent"`
	Provider      ProviderConfig      `json:"provider"`
	Tools         ToolsConfig         `json:"tools"`
	Skills        SkillsConfig        `json:"skills"`
	Hooks         HooksConfig         `json:"hooks"`
	MCP           MCPConfig           `json:"mcp"`
	AutoCompact   AutoCompactConfig   `json:"autoCompact"`
	TokenTracking TokenTrackingConfig `json:"tokenTracking"`
	OTEL          OTELConfig          `json:"otel"`
}

// OTELConfig governs whether the Agent Loop's session/turn/tool spans are
// exported via OTLP/HTTP, and where to. Disabled by default: a span
// exporter dialing out on every run is not something a fresh install
// should do without an explicit endpoint.
type OTELConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"serviceName,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRate  float64 `json:"sampleRate,omitempty"`
}

type AgentConfig struct {
	Workspace            string  `json:"workspace"`
	Model                string  `json:"model"`
	ModelReasoningEffort string  `json:"modelReasoningEffort,omitempty"`
	MaxTokens            int     `json:"maxTokens"`
	Temperature          float64 `json:"temperature"`
	MaxToolIterations    int     `json:"maxToolIterations"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ToolsConfig struct {
	BraveAPIKey         string `json:"braveApiKey,omitempty"`
	ExecTimeout         int    `json:"execTimeout"`
	RestrictToWorkspace bool   `json:"restrictToWorkspace"`
}

type SkillsConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"` // no default is applied
}

type HooksConfig struct {
	PreToolUse  []HookEntry `json:"preToolUse,omitempty"`
	PostToolUse []HookEntry `json:"postToolUse,omitempty"`
	Stop        []HookEntry `json:"stop,omitempty"`
}

type HookEntry struct {
	Command string `json:"command"`
	Pattern string `json:"pattern,omitempty"` // tool name regex
	Timeout int    `json:"timeout,omitempty"` // seconds
}

type MCPConfig struct {
	Servers []string `json:"servers,omitempty"`
}

type AutoCompactConfig struct {
	Enabled       bool    `json:"enabled"`
	Threshold     float64 `json:"threshold,omitempty"`
	PreserveCount int     `json:"preserveCount,omitempty"`
}

type TokenTrackingConfig struct {
	Enabled bool `json:"enabled"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".agentharness", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Tools: ToolsConfig{
			ExecTimeout:         DefaultExecTimeout,
			RestrictToWorkspace: true,
		},
		Skills: SkillsConfig{
			Enabled: true,
		},
		AutoCompact: AutoCompactConfig{
			Enabled:       true,
			Threshold:     0.8,
			PreserveCount: 5,
		},
	}
}

func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentharness")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig starts from DefaultConfig, overlays config.json (if present),
// then applies environment variable overrides. Fields the file omits keep
// their defaults; of the fields the file sets to a zero value, only
// agent.workspace is refilled from DefaultConfig.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("HARNESS_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("HARNESS_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if execTimeout := os.Getenv("HARNESS_EXEC_TIMEOUT"); execTimeout != "" {
		if parsed, err := strconv.Atoi(execTimeout); err == nil {
			cfg.Tools.ExecTimeout = parsed
		}
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	cfg.Agent.ModelReasoningEffort = normalizeModelReasoningEffort(cfg.Agent.ModelReasoningEffort)

	return cfg, nil
}

func normalizeModelReasoningEffort(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case ModelReasoningEffortLow:
		return ModelReasoningEffortLow
	case ModelReasoningEffortMedium:
		return ModelReasoningEffortMedium
	case ModelReasoningEffortHigh:
		return ModelReasoningEffortHigh
	case ModelReasoningEffortXHigh:
		return ModelReasoningEffortXHigh
	default:
		return ""
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
