// Package config loads Engram configuration. Every numeric threshold in the
// memory core is a configurable default here rather than a hard constant:
// the values ship tuned against the retrieval properties the system is
// tested for, but deployments can move them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/learning"
	"github.com/normanking/engram/internal/memory"
	"github.com/normanking/engram/internal/reflection"
	"github.com/normanking/engram/internal/surprise"
)

// Config holds all Engram configuration. It is loaded from
// ~/.engram/config.yaml and can be overridden by ENGRAM_* environment
// variables.
type Config struct {
	Store      StoreConfig            `mapstructure:"store" yaml:"store"`
	Logging    LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Gate       memory.GateConfig      `mapstructure:"gate" yaml:"gate"`
	Links      memory.LinkConfig      `mapstructure:"links" yaml:"links"`
	Retrieval  memory.RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Brain      brain.Config           `mapstructure:"brain" yaml:"brain"`
	Surprise   surprise.Config        `mapstructure:"surprise" yaml:"surprise"`
	Cortex     learning.CortexConfig  `mapstructure:"cortex" yaml:"cortex"`
	Rules      learning.RuleConfig    `mapstructure:"rules" yaml:"rules"`
	Reflection reflection.Config      `mapstructure:"reflection" yaml:"reflection"`
}

// StoreConfig locates the JSON document store.
type StoreConfig struct {
	// Dir is the directory holding the memory, brain, expectation, and
	// learned-knowledge documents.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns the configuration with all tuning at its defaults.
func Default() *Config {
	return &Config{
		Store:      StoreConfig{Dir: defaultStoreDir()},
		Logging:    LoggingConfig{Level: "info"},
		Gate:       memory.DefaultGateConfig(),
		Links:      memory.DefaultLinkConfig(),
		Retrieval:  memory.DefaultRetrievalConfig(),
		Brain:      brain.DefaultConfig(),
		Surprise:   surprise.DefaultConfig(),
		Cortex:     learning.DefaultCortexConfig(),
		Rules:      learning.DefaultRuleConfig(),
		Reflection: reflection.DefaultConfig(),
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

// Load reads configuration from the given path (or the default location
// when path is empty), layering file values and environment overrides on
// top of the defaults. A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultStoreDir())
	}

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file falls back to defaults; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("store.dir", defaults.Store.Dir)
	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetDefault("gate.quality_floor", defaults.Gate.QualityFloor)
	v.SetDefault("gate.duplicate_threshold", defaults.Gate.DuplicateThreshold)
	v.SetDefault("gate.conflict_confidence", defaults.Gate.ConflictConfidence)

	v.SetDefault("links.relevance_floor", defaults.Links.RelevanceFloor)
	v.SetDefault("links.duplicate_threshold", defaults.Links.DuplicateThreshold)
	v.SetDefault("links.contradiction_floor", defaults.Links.ContradictionFloor)
	v.SetDefault("links.supersession_floor", defaults.Links.SupersessionFloor)
	v.SetDefault("links.max_traversal_depth", defaults.Links.MaxTraversalDepth)

	v.SetDefault("retrieval.min_prompt_length", defaults.Retrieval.MinPromptLength)
	v.SetDefault("retrieval.max_pains", defaults.Retrieval.MaxPains)
	v.SetDefault("retrieval.max_wins", defaults.Retrieval.MaxWins)
	v.SetDefault("retrieval.hot_tag_threshold", defaults.Retrieval.HotTagThreshold)
	v.SetDefault("retrieval.fuzzy_min_word_length", defaults.Retrieval.FuzzyMinWordLength)
	v.SetDefault("retrieval.max_injection_chars", defaults.Retrieval.MaxInjectionChars)

	v.SetDefault("brain.early_phase_max", defaults.Brain.EarlyPhaseMax)
	v.SetDefault("brain.mid_phase_max", defaults.Brain.MidPhaseMax)
	v.SetDefault("brain.checkpoint_interval_early", defaults.Brain.CheckpointIntervalEarly)
	v.SetDefault("brain.checkpoint_interval_late", defaults.Brain.CheckpointIntervalLate)
	v.SetDefault("brain.plasticity_boost", defaults.Brain.PlasticityBoost)
	v.SetDefault("brain.decay_step", defaults.Brain.DecayStep)
	v.SetDefault("brain.session_decay", defaults.Brain.SessionDecay)
	v.SetDefault("brain.max_strength", defaults.Brain.MaxStrength)

	v.SetDefault("surprise.base_threshold", defaults.Surprise.BaseThreshold)
	v.SetDefault("surprise.threshold_min", defaults.Surprise.ThresholdMin)
	v.SetDefault("surprise.threshold_max", defaults.Surprise.ThresholdMax)
	v.SetDefault("surprise.density_window", defaults.Surprise.DensityWindow)
	v.SetDefault("surprise.high_density", defaults.Surprise.HighDensity)
	v.SetDefault("surprise.low_density", defaults.Surprise.LowDensity)
	v.SetDefault("surprise.max_signatures", defaults.Surprise.MaxSignatures)
	v.SetDefault("surprise.decay_rate", defaults.Surprise.DecayRate)
	v.SetDefault("surprise.forget_floor", defaults.Surprise.ForgetFloor)

	v.SetDefault("cortex.promote_confidence", defaults.Cortex.PromoteConfidence)
	v.SetDefault("cortex.promote_observations", defaults.Cortex.PromoteObservations)
	v.SetDefault("cortex.merge_confidence", defaults.Cortex.MergeConfidence)
	v.SetDefault("cortex.max_age", defaults.Cortex.MaxAge)

	v.SetDefault("rules.min_group_size", defaults.Rules.MinGroupSize)
	v.SetDefault("rules.reinforce_overlap", defaults.Rules.ReinforceOverlap)
	v.SetDefault("rules.promote_confidence", defaults.Rules.PromoteConfidence)
	v.SetDefault("rules.promote_observations", defaults.Rules.PromoteObservations)
	v.SetDefault("rules.max_age", defaults.Rules.MaxAge)

	v.SetDefault("reflection.min_session_messages", defaults.Reflection.MinSessionMessages)
	v.SetDefault("reflection.interval", defaults.Reflection.Interval)
	v.SetDefault("reflection.min_significant_events", defaults.Reflection.MinSignificantEvents)
	v.SetDefault("reflection.flood_factor", defaults.Reflection.FloodFactor)
}

// Save writes the configuration to path as YAML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks cross-field consistency the loaders cannot express.
func (c *Config) Validate() error {
	if c.Gate.DuplicateThreshold <= 0 || c.Gate.DuplicateThreshold > 1 {
		return fmt.Errorf("gate.duplicate_threshold must be in (0, 1], got %.2f", c.Gate.DuplicateThreshold)
	}
	if c.Surprise.ThresholdMin > c.Surprise.ThresholdMax {
		return fmt.Errorf("surprise.threshold_min %.2f exceeds threshold_max %.2f",
			c.Surprise.ThresholdMin, c.Surprise.ThresholdMax)
	}
	if c.Brain.EarlyPhaseMax >= c.Brain.MidPhaseMax {
		return fmt.Errorf("brain.early_phase_max must be below mid_phase_max")
	}
	if c.Surprise.DensityWindow <= 0 {
		c.Surprise.DensityWindow = 4 * time.Hour
	}
	return nil
}
