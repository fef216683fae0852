package config

import "time"

// Limits caps Step Retry attempts, the Model Client's outbound rate, and
// the Health Sweeper's concurrent dispatch fan-out.
type Limits struct {
	MaxStepRetries           int             `yaml:"max_step_retries" validate:"required,min=0,max=20"`
	MaxConcurrentSweeperJobs int             `yaml:"max_concurrent_sweeper_jobs" validate:"required,min=1,max=64"`
	InterChapterDelay        time.Duration   `yaml:"inter_chapter_delay" validate:"min=0,max=1m"`
	RateLimit                RateLimitConfig `yaml:"rate_limit" validate:"required"`
}

// RateLimitConfig throttles the Model Client via golang.org/x/time/rate.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"required,min=1,max=1000"`
	BurstSize         int `yaml:"burst_size" validate:"required,min=1,max=100"`
}

// DefaultLimits matches spec.md's defaults: 2 step retries before
// quarantine eligibility, an 8-way sweeper fan-out cap, and a one-second
// pause between chapters within a run.
func DefaultLimits() Limits {
	return Limits{
		MaxStepRetries:           2,
		MaxConcurrentSweeperJobs: 8,
		InterChapterDelay:        time.Second,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			BurstSize:         10,
		},
	}
}
