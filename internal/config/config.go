// Package config loads agent-turns configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent-turns configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Decay     DecayConfig     `yaml:"decay"`
	Trust     TrustConfig     `yaml:"trust"`
	Promotion PromotionConfig `yaml:"promotion"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Budgets   BudgetConfig    `yaml:"budgets"`
	Loops     LoopConfig      `yaml:"loops"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DecayConfig is the per-content-type daily decay table.
type DecayConfig struct {
	Rates       map[string]float64 `yaml:"rates"`
	DefaultRate float64            `yaml:"default_rate"`
}

// TrustConfig weights the trust blend. Weights should sum to 1.
type TrustConfig struct {
	SuccessWeight   float64 `yaml:"success_weight"`
	UsageWeight     float64 `yaml:"usage_weight"`
	AgeWeight       float64 `yaml:"age_weight"`
	UsageSaturation int     `yaml:"usage_saturation"` // usage count at which the usage factor reaches 1
	AgeSaturation   string  `yaml:"age_saturation"`   // age at which the age factor reaches 1
}

// ScopeRule is one promotion threshold.
type ScopeRule struct {
	MinTrust float64 `yaml:"min_trust"`
	MinUsage int     `yaml:"min_usage"`
	MinAge   string  `yaml:"min_age"`
}

// PromotionConfig holds the new→user and user→global thresholds.
type PromotionConfig struct {
	User   ScopeRule `yaml:"user"`
	Global ScopeRule `yaml:"global"`
}

// RetrievalConfig tunes memory search and ranking.
type RetrievalConfig struct {
	MinConfidence     float64            `yaml:"min_confidence"` // below this a node counts as expired
	RelevanceWeight   float64            `yaml:"relevance_weight"`
	ConfidenceWeight  float64            `yaml:"confidence_weight"`
	ScopeWeight       float64            `yaml:"scope_weight"`
	ScopeTrust        map[string]float64 `yaml:"scope_trust"`
	SupersedeMargin   float64            `yaml:"supersede_margin"` // quality gap that keeps an older node in front
	SupersededPenalty float64            `yaml:"superseded_penalty"`
	DefaultLimit      int                `yaml:"default_limit"`
	PackBudget        int                `yaml:"pack_budget"` // bytes of memory packed into the context section
}

// BudgetConfig holds the byte budgets of sections and invocations.
type BudgetConfig struct {
	Sections        map[string]int `yaml:"sections"`
	DefaultSection  int            `yaml:"default_section"`
	Document        int            `yaml:"document"`
	InvocationLimit int            `yaml:"invocation_limit"`
}

// LoopConfig bounds every control loop of the phase controller.
type LoopConfig struct {
	MaxRevise             int     `yaml:"max_revise"`
	MaxRetry              int     `yaml:"max_retry"`
	MaxTotal              int     `yaml:"max_total"`
	MaxIntakeRetries      int     `yaml:"max_intake_retries"`
	MaxContextRetries     int     `yaml:"max_context_retries"`
	MaxExecutorIterations int     `yaml:"max_executor_iterations"`
	ExecutorParallelism   int     `yaml:"executor_parallelism"`
	ToolTimeout           string  `yaml:"tool_timeout"`
	ApproveFloor          float64 `yaml:"approve_floor"` // APPROVE below this confidence is treated as REVISE
}

// ReasoningConfig configures the reasoning backend.
type ReasoningConfig struct {
	Provider      string            `yaml:"provider"` // openai, gemini, scripted
	Models        map[string]string `yaml:"models"`   // tier -> model
	APIKey        string            `yaml:"api_key"`
	BaseURL       string            `yaml:"base_url"`
	Timeout       string            `yaml:"timeout"`
	SchemaRetries int               `yaml:"schema_retries"`
}

// EmbeddingConfig configures optional semantic relevance.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama, openai, genai, "" (disabled)
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{
			DatabasePath: filepath.Join(home, ".agent-turns", "turns.db"),
		},
		Decay: DecayConfig{
			Rates: map[string]float64{
				"availability": 0.20,
				"price":        0.10,
				"spec":         0.03,
				"preference":   0.005,
			},
			DefaultRate: 0.05,
		},
		Trust: TrustConfig{
			SuccessWeight:   0.6,
			UsageWeight:     0.3,
			AgeWeight:       0.1,
			UsageSaturation: 10,
			AgeSaturation:   "168h",
		},
		Promotion: PromotionConfig{
			User:   ScopeRule{MinTrust: 0.50, MinUsage: 3, MinAge: "1h"},
			Global: ScopeRule{MinTrust: 0.80, MinUsage: 10, MinAge: "24h"},
		},
		Retrieval: RetrievalConfig{
			MinConfidence:    0.10,
			RelevanceWeight:  0.5,
			ConfidenceWeight: 0.3,
			ScopeWeight:      0.2,
			ScopeTrust: map[string]float64{
				"new":    0.4,
				"user":   0.7,
				"global": 1.0,
			},
			SupersedeMargin:   0.15,
			SupersededPenalty: 0.5,
			DefaultLimit:      20,
			PackBudget:        4000,
		},
		Budgets: BudgetConfig{
			Sections: map[string]int{
				"request":    4000,
				"intake":     2000,
				"context":    8000,
				"plan":       4000,
				"execution":  12000,
				"response":   8000,
				"validation": 2000,
			},
			DefaultSection:  4000,
			Document:        36000,
			InvocationLimit: 24000,
		},
		Loops: LoopConfig{
			MaxRevise:             2,
			MaxRetry:              1,
			MaxTotal:              3,
			MaxIntakeRetries:      1,
			MaxContextRetries:     1,
			MaxExecutorIterations: 4,
			ExecutorParallelism:   4,
			ToolTimeout:           "60s",
			ApproveFloor:          0.6,
		},
		Reasoning: ReasoningConfig{
			Provider: "scripted",
			Models: map[string]string{
				"fast":     "gpt-4o-mini",
				"standard": "gpt-4o",
				"deep":     "gpt-4o",
			},
			Timeout:       "120s",
			SchemaRetries: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("AGENT_TURNS_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if lvl := os.Getenv("AGENT_TURNS_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if c.Reasoning.APIKey == "" {
		switch c.Reasoning.Provider {
		case "openai":
			c.Reasoning.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.Reasoning.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "genai":
			c.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// Validate rejects configurations that would break loop or budget invariants.
func (c *Config) Validate() error {
	l := c.Loops
	if l.MaxRevise < 0 || l.MaxRetry < 0 || l.MaxIntakeRetries < 0 || l.MaxContextRetries < 0 {
		return fmt.Errorf("loop caps must be non-negative")
	}
	if l.MaxTotal < 0 || l.MaxTotal > l.MaxRevise+l.MaxRetry {
		return fmt.Errorf("loops.max_total %d must be within [0, max_revise+max_retry=%d]", l.MaxTotal, l.MaxRevise+l.MaxRetry)
	}
	if l.MaxExecutorIterations <= 0 {
		return fmt.Errorf("loops.max_executor_iterations must be positive")
	}
	if c.Budgets.DefaultSection <= 0 || c.Budgets.Document <= 0 || c.Budgets.InvocationLimit <= 0 {
		return fmt.Errorf("budgets must be positive")
	}
	for name, b := range c.Budgets.Sections {
		if b <= 0 {
			return fmt.Errorf("budgets.sections.%s must be positive", name)
		}
	}
	if c.Reasoning.SchemaRetries < 0 {
		return fmt.Errorf("reasoning.schema_retries must be non-negative")
	}
	return nil
}

// SectionBudget returns the budget for a stage's section.
func (c *Config) SectionBudget(stage string) int {
	if b, ok := c.Budgets.Sections[stage]; ok {
		return b
	}
	return c.Budgets.DefaultSection
}

// ReasoningTimeout returns the per-invocation timeout.
func (c *Config) ReasoningTimeout() time.Duration {
	return parseDuration(c.Reasoning.Timeout, 120*time.Second)
}

// ToolTimeout returns the per-tool-call timeout.
func (c *Config) ToolTimeout() time.Duration {
	return parseDuration(c.Loops.ToolTimeout, 60*time.Second)
}

// Duration parses a rule's minimum age.
func (r ScopeRule) Duration() time.Duration {
	return parseDuration(r.MinAge, 0)
}

// AgeSaturationDuration parses the trust age saturation.
func (t TrustConfig) AgeSaturationDuration() time.Duration {
	return parseDuration(t.AgeSaturation, 7*24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
