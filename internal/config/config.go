// Package config handles Argente configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/argente/config.yaml, /etc/argente/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "argente", "config.yaml"))
	}

	paths = append(paths, "/etc/argente/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Argente configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Bot       BotConfig       `yaml:"bot"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Weather   WeatherConfig   `yaml:"weather"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket gateway settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig defines conversation loop settings.
type AgentConfig struct {
	// SystemPrompt is the base system prompt used when no expert profile
	// overrides it.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxRounds bounds how many model request/tool-execution rounds a
	// single turn may take before the no-tool fallback completion.
	MaxRounds int `yaml:"max_rounds"`
	// MaxTokens caps completion length per request.
	MaxTokens int `yaml:"max_tokens"`
	// MaxHistory bounds the in-memory per-conversation message buffer.
	// Oldest messages are evicted first.
	MaxHistory int `yaml:"max_history"`
	// AssistantName appears in the identity block of the system prompt.
	AssistantName string `yaml:"assistant_name"`
	// OwnerName identifies the primary user in the identity block.
	OwnerName string `yaml:"owner_name"`
}

// ModelsConfig defines the model credential/endpoint table.
type ModelsConfig struct {
	// Default is the model tried first; every other configured entry
	// becomes an ordered fallback candidate.
	Default string `yaml:"default"`
	// Entries maps model keys to credentials and endpoints. Order matters:
	// it is the fallback order after the default.
	Entries []ModelEntry `yaml:"entries"`
	// OllamaURL is the family-wide default endpoint for local models when
	// no entry provides one.
	OllamaURL string `yaml:"ollama_url"`
}

// ModelEntry defines credentials and endpoint for one model key.
type ModelEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// BotConfig defines the messaging-bot channel.
type BotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"` // override for self-hosted bot API gateways
	// RateLimit is the per-sender messages-per-minute cap; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
	// AllowedChats restricts which chat ids the bridge answers.
	// Empty means all chats.
	AllowedChats []string `yaml:"allowed_chats"`
}

// SchedulerConfig defines the cron task scheduler.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WeatherConfig enables the weather tool.
type WeatherConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"` // forecast API endpoint override
}

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing, so api keys can live in the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with working defaults. A bare default
// config serves traffic against a local Ollama with no tools enabled.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Agent: AgentConfig{
			MaxRounds:     6,
			MaxTokens:     4096,
			MaxHistory:    40,
			AssistantName: "Argente",
		},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("agent.max_rounds must be positive")
	}
	if c.Agent.MaxHistory <= 0 {
		return fmt.Errorf("agent.max_history must be positive")
	}
	if c.Bot.Enabled && c.Bot.Token == "" {
		return fmt.Errorf("bot.token is required when bot.enabled is true")
	}
	return nil
}

// FallbackModels returns every configured model key except primary, in
// entry order. The conversation loop tries these when the primary fails
// with a fallback-eligible error.
func (c *Config) FallbackModels(primary string) []string {
	var out []string
	for _, e := range c.Models.Entries {
		if e.Name != primary {
			out = append(out, e.Name)
		}
	}
	return out
}

// Entry returns the static model entry for the given key, if present.
func (c *Config) Entry(name string) (ModelEntry, bool) {
	for _, e := range c.Models.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return ModelEntry{}, false
}
