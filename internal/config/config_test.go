package config

import (
	"testing"
)

func validConfig() Config {
	cfg := Config{
		AI: AIConfig{
			APIKey:  "sk-1234567890abcdef1234567890abcdef",
			Model:   "claude-3-5-sonnet-20241022",
			BaseURL: "https://api.anthropic.com/v1",
			Timeout: 900,
		},
		Pricing: PricingConfig{
			InputPerMillion:  3.0,
			OutputPerMillion: 15.0,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Limits: DefaultLimits(),
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "API key too short",
			mutate:  func(c *Config) { c.AI.APIKey = "short" },
			wantErr: true,
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.AI.BaseURL = "not-a-url" },
			wantErr: true,
		},
		{
			name:    "zero pricing",
			mutate:  func(c *Config) { c.Pricing.InputPerMillion = 0 },
			wantErr: true,
		},
		{
			name:    "postgres backend without dsn",
			mutate:  func(c *Config) { c.Store = StoreConfig{Backend: "postgres"} },
			wantErr: true,
		},
		{
			name:    "file backend without base_dir",
			mutate:  func(c *Config) { c.Store = StoreConfig{Backend: "file"} },
			wantErr: true,
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store = StoreConfig{Backend: "sqlite"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{
		AI: AIConfig{
			APIKey:  "sk-1234567890abcdef1234567890abcdef",
			Model:   "claude-3-5-sonnet-20241022",
			BaseURL: "https://api.anthropic.com/v1",
			Timeout: 900,
		},
		Pricing: PricingConfig{InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
	cfg.applyDefaults()

	if cfg.HealthCheck.IntervalSeconds != 300 {
		t.Errorf("expected default health check interval 300s, got %d", cfg.HealthCheck.IntervalSeconds)
	}
	if cfg.Chapter.QualityThreshold != 7.5 {
		t.Errorf("expected default quality threshold 7.5, got %v", cfg.Chapter.QualityThreshold)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected default store backend memory, got %q", cfg.Store.Backend)
	}
	if cfg.Limits.MaxStepRetries != 2 {
		t.Errorf("expected default max step retries 2, got %d", cfg.Limits.MaxStepRetries)
	}
}
