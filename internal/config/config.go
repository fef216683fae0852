// Package config loads storyforge's on-disk configuration: YAML plus
// .env overrides, validated with struct tags, in the same shape the
// teacher orchestrator uses for its own config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration (spec §6).
type Config struct {
	AI           AIConfig          `yaml:"ai" validate:"required"`
	Pricing      PricingConfig     `yaml:"pricing" validate:"required"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
	Chapter      ChapterConfig     `yaml:"chapter"`
	FeatureFlags FeatureFlags      `yaml:"feature_flags"`
	Store        StoreConfig       `yaml:"store" validate:"required"`
	Redis        RedisConfig       `yaml:"redis"`
	Limits       Limits            `yaml:"limits" validate:"required"`
}

// AIConfig names the generation model and its transport.
type AIConfig struct {
	APIKey  string `yaml:"api_key" validate:"required,min=20"`
	Model   string `yaml:"model" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Timeout int    `yaml:"timeout" validate:"required,min=10,max=3600"`
}

// PricingConfig is the per-million-token cost used for CostRecord.CostUSD.
type PricingConfig struct {
	InputPerMillion  float64 `yaml:"input_per_million" validate:"required,gt=0"`
	OutputPerMillion float64 `yaml:"output_per_million" validate:"required,gt=0"`
}

// HealthCheckConfig tunes the Health Sweeper (spec §4.12, §6).
type HealthCheckConfig struct {
	IntervalSeconds        int `yaml:"interval_seconds" validate:"min=0"`
	StallThresholdSeconds  int `yaml:"stall_threshold_seconds" validate:"min=0"`
	LockDurationSeconds    int `yaml:"lock_duration_seconds" validate:"min=0"`
	CodeErrorRetryCap      int `yaml:"code_error_retry_cap" validate:"min=0"`
}

// ChapterConfig tunes the Chapter Stage's rubric gate (spec §4.8).
type ChapterConfig struct {
	QualityThreshold float64 `yaml:"quality_threshold" validate:"min=0,max=10"`
	MaxAttempts      int     `yaml:"max_attempts" validate:"min=0"`
}

// FeatureFlags gates the Chapter Stage's optional post-processing hooks
// (spec §6's per-job feature flags).
type FeatureFlags struct {
	AdaptivePreferences bool `yaml:"adaptive_preferences"`
	CharacterLedger     bool `yaml:"character_ledger"`
	EntityValidation    bool `yaml:"entity_validation"`
	VoiceReview         bool `yaml:"voice_review"`
}

// StoreConfig selects and configures the Progress Store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory file postgres"`
	DSN     string `yaml:"dsn"`      // postgres
	BaseDir string `yaml:"base_dir"` // file
}

// RedisConfig configures the optional cross-process recovery lease.
// Empty Addr means the lease is a no-op (single-process deployment).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads the config file named by ORCHESTRATOR_CONFIG, or the
// XDG-compliant default path, applying .env overrides for secrets.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := getConfigPath()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config: no config file at %s (set ORCHESTRATOR_CONFIG or create one)", configPath)
	} else if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
	}

	if cfg.AI.APIKey == "" || strings.HasPrefix(cfg.AI.APIKey, "${") {
		if apiKey := os.Getenv("STORYFORGE_API_KEY"); apiKey != "" {
			cfg.AI.APIKey = apiKey
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return &cfg, nil
}

func getConfigPath() string {
	if path := os.Getenv("ORCHESTRATOR_CONFIG"); path != "" {
		return path
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "storyforge", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "storyforge", "config.yaml")
}

func (c *Config) applyDefaults() {
	if c.HealthCheck.IntervalSeconds == 0 {
		c.HealthCheck.IntervalSeconds = 300
	}
	if c.HealthCheck.StallThresholdSeconds == 0 {
		c.HealthCheck.StallThresholdSeconds = 600
	}
	if c.HealthCheck.LockDurationSeconds == 0 {
		c.HealthCheck.LockDurationSeconds = 1200
	}
	if c.HealthCheck.CodeErrorRetryCap == 0 {
		c.HealthCheck.CodeErrorRetryCap = 2
	}
	if c.Chapter.QualityThreshold == 0 {
		c.Chapter.QualityThreshold = 7.5
	}
	if c.Chapter.MaxAttempts == 0 {
		c.Chapter.MaxAttempts = 3
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Limits.MaxConcurrentSweeperJobs == 0 {
		c.Limits = DefaultLimits()
	}
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.backend is postgres")
	}
	if c.Store.Backend == "file" && c.Store.BaseDir == "" {
		return fmt.Errorf("store.base_dir is required when store.backend is file")
	}
	return nil
}
