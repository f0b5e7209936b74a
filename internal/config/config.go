package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one mem instance.
type Config struct {
	Name            string            `yaml:"name"`
	Bio             string            `yaml:"-"` // loaded from bio.md
	SeedTopics      []SeedTopic       `yaml:"seed_topics"`
	Collectors      []CollectorConfig `yaml:"collectors"`
	Plugins         []CollectorConfig `yaml:"plugins"`
	Actions         []ActionConfig    `yaml:"actions"`
	NotifyCommand   string            `yaml:"notify_command"`
	CalendarCommand string            `yaml:"calendar_command"`
	TopicsOutput    string            `yaml:"topics_output"`
	Schedule        string            `yaml:"schedule"`
	Server          ServerConfig      `yaml:"server"`
	LLM             LLMConfig         `yaml:"llm"`
	Pipeline        PipelineConfig    `yaml:"pipeline"`
	Logging         LoggingConfig     `yaml:"logging"`

	// Dir is the instance directory the config was loaded from.
	Dir string `yaml:"-"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type LLMConfig struct {
	Provider     string        `yaml:"provider"` // "claude-cli", "anthropic", "ollama"
	Model        string        `yaml:"model"`    // e.g. "haiku", "sonnet"
	OllamaURL    string        `yaml:"ollama_url"`
	OllamaModel  string        `yaml:"ollama_model"` // e.g. "llama3.2"
	AnthropicKey string        `yaml:"anthropic_key"`
	Timeout      time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	RouteRetries   int                `yaml:"route_retries"`
	GatewayRetries int                `yaml:"gateway_retries"`
	SummaryWords   int                `yaml:"summary_words"`
	Concurrency    int                `yaml:"concurrency"`
	DecayThreshold float64            `yaml:"decay_threshold"`
	HalfLifeDays   float64            `yaml:"half_life_days"`
	SourceWeights  map[string]float64 `yaml:"source_weights"`
	LockStaleAfter time.Duration      `yaml:"lock_stale_after"`
	DefaultWindow  time.Duration      `yaml:"default_window"`
	DebugPrompts   bool               `yaml:"debug_prompts"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"` // human-readable console output
}

// CollectorConfig names an external collector executable. Built-in
// collectors may be listed by name alone.
type CollectorConfig struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML accepts either a bare name or a mapping.
func (c *CollectorConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		c.Name = n.Value
		return nil
	}
	type plain CollectorConfig
	return n.Decode((*plain)(c))
}

// ActionConfig enables an action. A bare string references a built-in.
type ActionConfig struct {
	Name      string `yaml:"name"`
	Prompt    string `yaml:"prompt"`
	Schema    string `yaml:"schema"`
	Handler   string `yaml:"handler"`
	OutputKey string `yaml:"output_key"`
}

func (a *ActionConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		a.Name = n.Value
		return nil
	}
	type plain ActionConfig
	return n.Decode((*plain)(a))
}

// External reports whether the action is user-supplied rather than built-in.
func (a ActionConfig) External() bool {
	return a.Prompt != "" || a.Handler != ""
}

// SeedTopic is a topic created on reseed. Parent is a slash path or empty
// for a first-level topic.
type SeedTopic struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
}

func (s *SeedTopic) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		s.Name = n.Value
		return nil
	}
	type plain SeedTopic
	return n.Decode((*plain)(s))
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		LLM: LLMConfig{
			Provider: "claude-cli",
			Model:    "sonnet",
			Timeout:  120 * time.Second,
		},
		Pipeline: PipelineConfig{
			RouteRetries:   2,
			GatewayRetries: 3,
			SummaryWords:   500,
			Concurrency:    4,
			DecayThreshold: 0.1,
			HalfLifeDays:   14,
			LockStaleAfter: 30 * time.Minute,
			DefaultWindow:  24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml (or config.json) and bio.md from an instance
// directory, then applies environment overrides.
func Load(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve instance dir: %w", err)
	}

	cfg := Default()
	cfg.Dir = abs

	var data []byte
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		data, err = os.ReadFile(filepath.Join(abs, name))
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	if data == nil {
		return nil, fmt.Errorf("no config.yaml or config.json in %s", abs)
	}
	if err := cfg.parse(data); err != nil {
		return nil, err
	}

	bio, err := os.ReadFile(filepath.Join(abs, "bio.md"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read bio: %w", err)
	}
	cfg.Bio = strings.TrimSpace(string(bio))

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML (or JSON) config over the defaults. Used by tests and
// by Load.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (c *Config) parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.LLM.AnthropicKey == "" {
		c.LLM.AnthropicKey = key
	}
	if p := os.Getenv("MEM_LLM_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if lvl := os.Getenv("MEM_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Validate checks required fields and fills zero values left by a partial
// pipeline section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config: name is required")
	}
	d := Default().Pipeline
	if c.Pipeline.RouteRetries < 0 {
		c.Pipeline.RouteRetries = 0
	}
	if c.Pipeline.GatewayRetries <= 0 {
		c.Pipeline.GatewayRetries = d.GatewayRetries
	}
	if c.Pipeline.SummaryWords <= 0 {
		c.Pipeline.SummaryWords = d.SummaryWords
	}
	if c.Pipeline.Concurrency <= 0 {
		c.Pipeline.Concurrency = d.Concurrency
	}
	if c.Pipeline.HalfLifeDays <= 0 {
		c.Pipeline.HalfLifeDays = d.HalfLifeDays
	}
	if c.Pipeline.LockStaleAfter <= 0 {
		c.Pipeline.LockStaleAfter = d.LockStaleAfter
	}
	if c.Pipeline.DefaultWindow <= 0 {
		c.Pipeline.DefaultWindow = d.DefaultWindow
	}
	seen := map[string]bool{}
	for _, col := range append(append([]CollectorConfig{}, c.Collectors...), c.Plugins...) {
		if col.Name == "" {
			return fmt.Errorf("config: collector without name")
		}
		if seen[col.Name] {
			return fmt.Errorf("config: collector %q listed twice", col.Name)
		}
		seen[col.Name] = true
	}
	for _, p := range c.Plugins {
		if p.Command == "" {
			return fmt.Errorf("config: plugin %q needs a command", p.Name)
		}
	}
	return nil
}

// HalfLife returns the decay half-life as a duration.
func (c *Config) HalfLife() time.Duration {
	return time.Duration(c.Pipeline.HalfLifeDays * float64(24*time.Hour))
}

// DBPath returns the instance's topic database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.Dir, "topics.db")
}

// DebugDir returns the directory for prompt/response logs.
func (c *Config) DebugDir() string {
	return filepath.Join(c.Dir, "debug")
}

// TopicsOutputPath returns where the rendered topics document is written.
func (c *Config) TopicsOutputPath() string {
	if c.TopicsOutput == "" {
		return filepath.Join(c.Dir, "TOPICS.md")
	}
	return ExpandHome(c.TopicsOutput)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// RenderTemplate substitutes {user} and {user_bio} placeholders.
func (c *Config) RenderTemplate(text string) string {
	text = strings.ReplaceAll(text, "{user}", c.Name)
	return strings.ReplaceAll(text, "{user_bio}", c.Bio)
}
