package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/tempora/internal/errors"
)

// EnvPrefix is the prefix for environment overrides (TEMPORA_GATE_LOW, ...)
const EnvPrefix = "TEMPORA"

// Config holds every tunable of the memory store. It is passed explicitly to each component.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Gate      GateConfig      `yaml:"gate" mapstructure:"gate"`
	Learn     LearnConfig     `yaml:"learn" mapstructure:"learn"`
	Suppress  SuppressConfig  `yaml:"suppress" mapstructure:"suppress"`
	Evolution EvolutionConfig `yaml:"evolution" mapstructure:"evolution"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the SQLite fact store
type StoreConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	PoolSize      int    `yaml:"pool_size" mapstructure:"pool_size"`             // Bounded storage handles
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"` // SQLite busy_timeout pragma
}

// DictionaryEntry is a known surface form for layer 1
type DictionaryEntry struct {
	Surface  string `yaml:"surface" mapstructure:"surface"`
	EntityID string `yaml:"entity_id" mapstructure:"entity_id"`
	Type     string `yaml:"type" mapstructure:"type"`
}

// PatternRule is a builtin layer 1 regular expression for one type
type PatternRule struct {
	Type string `yaml:"type" mapstructure:"type"`
	Expr string `yaml:"expr" mapstructure:"expr"`
}

// ExtractConfig configures layered recognition
type ExtractConfig struct {
	AcceptThreshold float64           `yaml:"accept_threshold" mapstructure:"accept_threshold"` // Minimum confidence to register an entity
	Dictionary      []DictionaryEntry `yaml:"dictionary" mapstructure:"dictionary"`
	Builtins        []PatternRule     `yaml:"builtins" mapstructure:"builtins"`
	LearnedCeiling  float64           `yaml:"learned_ceiling" mapstructure:"learned_ceiling"` // Upper bound for layer 2 confidence
	HalfSupport     float64           `yaml:"half_support" mapstructure:"half_support"`       // Support at which layer 2 reaches half the ceiling
}

// GateConfig is the uncertain band that routes mentions to the LLM
type GateConfig struct {
	Low  float64 `yaml:"low" mapstructure:"low"`
	High float64 `yaml:"high" mapstructure:"high"`
}

// Contains reports whether confidence falls inside the inclusive band
func (g GateConfig) Contains(confidence float64) bool {
	return confidence >= g.Low && confidence <= g.High
}

// LearnConfig configures pattern induction and retention
type LearnConfig struct {
	MinSupport            int     `yaml:"min_support" mapstructure:"min_support"`
	MinAffixRatio         float64 `yaml:"min_affix_ratio" mapstructure:"min_affix_ratio"`
	ObservationConfidence float64 `yaml:"observation_confidence" mapstructure:"observation_confidence"`
	RetentionDays         int     `yaml:"retention_days" mapstructure:"retention_days"`
	MaxPatterns           int     `yaml:"max_patterns" mapstructure:"max_patterns"`
	MaxObservations       int     `yaml:"max_observations" mapstructure:"max_observations"` // Per type
}

// SuppressConfig configures entity isolation
type SuppressConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"` // Similarity above which candidates are confusable
	Decay     float64 `yaml:"decay" mapstructure:"decay"`         // Cliff factor for the lower-priority candidate
}

// EvolutionConfig configures fact evolution
type EvolutionConfig struct {
	ConfidenceMargin float64  `yaml:"confidence_margin" mapstructure:"confidence_margin"`
	MultiValued      []string `yaml:"multi_valued" mapstructure:"multi_valued"`
}

// IsMultiValued reports whether predicate may hold several active values
func (e EvolutionConfig) IsMultiValued(predicate string) bool {
	for _, p := range e.MultiValued {
		if p == predicate {
			return true
		}
	}
	return false
}

// LLMConfig configures the disambiguation provider
type LLMConfig struct {
	Provider          string `yaml:"provider" mapstructure:"provider"`     // openai, anthropic, ollama, or empty to disable
	Model             string `yaml:"model,omitempty" mapstructure:"model"` // Empty selects the provider default
	APIKey            string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL           string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout           int    `yaml:"timeout" mapstructure:"timeout"` // Seconds
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	HTTPProxy         string `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy        string `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy           string `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// CacheConfig configures LLM outcome and query caching
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	TTL     int    `yaml:"ttl" mapstructure:"ttl"`           // Seconds
	Dir     string `yaml:"dir,omitempty" mapstructure:"dir"` // Disk layer for LLM outcomes, empty for memory only
}

// WorkerConfig configures batch ingestion
type WorkerConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	JSON  bool   `yaml:"json" mapstructure:"json"`
	Level string `yaml:"level" mapstructure:"level"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:          "tempora.db",
			PoolSize:      4,
			BusyTimeoutMS: 5000,
		},
		Extract: ExtractConfig{
			AcceptThreshold: 0.5,
			Builtins:        DefaultBuiltins(),
			LearnedCeiling:  0.95,
			HalfSupport:     3,
		},
		Gate: GateConfig{
			Low:  0.2,
			High: 0.5,
		},
		Learn: LearnConfig{
			MinSupport:            3,
			MinAffixRatio:         0.5,
			ObservationConfidence: 0.9,
			RetentionDays:         365,
			MaxPatterns:           100,
			MaxObservations:       1000,
		},
		Suppress: SuppressConfig{
			Threshold: 0.5,
			Decay:     0.1,
		},
		Evolution: EvolutionConfig{
			ConfidenceMargin: 0.1,
		},
		LLM: LLMConfig{
			Timeout:           30,
			MaxTokens:         200,
			RequestsPerMinute: 60,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     3600,
		},
		Worker: WorkerConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultBuiltins returns the builtin layer 1 recognition rules
func DefaultBuiltins() []PatternRule {
	return []PatternRule{
		{Type: "robot", Expr: `(?i)\brobot[_\-]?\d+\b`},
		{Type: "project", Expr: `(?i)\bproject[_\-]?[A-Z]\b`},
		{Type: "city", Expr: `(?i)\bcity[_\-]?\d+\b`},
		{Type: "user", Expr: `(?i)\buser[_\-]?\d+\b`},
		{Type: "agent", Expr: `(?i)\bagent[_\-]?\d+\b`},
		{Type: "protocol", Expr: `(?i)\bprotocol[_\-]?[A-Z]\b`},
	}
}

// Validate checks ranges and orderings
func (c Config) Validate() error {
	var problems []string

	if c.Store.PoolSize < 1 {
		problems = append(problems, "store.pool_size must be at least 1")
	}
	if c.Gate.Low < 0 || c.Gate.High > 1 || c.Gate.Low > c.Gate.High {
		problems = append(problems, fmt.Sprintf("gate band [%.2f, %.2f] must satisfy 0 <= low <= high <= 1", c.Gate.Low, c.Gate.High))
	}
	if c.Suppress.Decay <= 0 || c.Suppress.Decay > 1 {
		problems = append(problems, "suppress.decay must be in (0, 1]")
	}
	if c.Suppress.Threshold < 0 || c.Suppress.Threshold > 1 {
		problems = append(problems, "suppress.threshold must be in [0, 1]")
	}
	if c.Learn.MinSupport < 2 {
		problems = append(problems, "learn.min_support must be at least 2")
	}
	if c.Learn.MinAffixRatio <= 0 || c.Learn.MinAffixRatio > 1 {
		problems = append(problems, "learn.min_affix_ratio must be in (0, 1]")
	}
	if c.Extract.LearnedCeiling <= 0 || c.Extract.LearnedCeiling >= 1 {
		problems = append(problems, "extract.learned_ceiling must be in (0, 1)")
	}
	if c.Extract.HalfSupport <= 0 {
		problems = append(problems, "extract.half_support must be positive")
	}
	if c.Evolution.ConfidenceMargin < 0 {
		problems = append(problems, "evolution.confidence_margin must not be negative")
	}

	if len(problems) > 0 {
		return errors.Wrap(errors.ErrInvalidInput, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

// DefaultPath returns ~/.tempora/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "find home directory")
	}
	return filepath.Join(home, ".tempora", "config.yaml"), nil
}

// Load reads configuration from path (or the default location when empty),
// applying TEMPORA_* environment overrides on top of the file and defaults.
// A missing file is not an error. llm.api_key is taken from the file only;
// environment credentials are resolved separately by the llm package.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".tempora"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, errors.Wrap(err, "read config")
		}
	}
	fileAPIKey := v.GetString("llm.api_key")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	cfg.LLM.APIKey = fileAPIKey

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKeys are the scalar settings that may be overridden from the environment
var envKeys = []string{
	"store.path",
	"store.pool_size",
	"gate.low",
	"gate.high",
	"suppress.threshold",
	"suppress.decay",
	"learn.min_support",
	"learn.retention_days",
	"llm.provider",
	"llm.model",
	"llm.base_url",
	"llm.timeout",
	"cache.enabled",
	"cache.dir",
	"log.level",
	"log.json",
}

// Write renders cfg as YAML to path, creating parent directories
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}
