package appointflow

import (
	"fmt"
	"time"
)

// Config holds configuration for the dispatch engine.
type Config struct {
	// BatchSize is the number of recipients sent per batch step. It is
	// captured on each job at submission so a resumed job re-derives the
	// same partitioning even if the configured value has since changed.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// InterBatchDelay is the pacing delay applied after a batch completes
	// and before the next one starts.
	InterBatchDelay time.Duration `json:"inter_batch_delay" yaml:"inter_batch_delay"`

	// MaxJobRetries is the maximum number of attempts made for a single
	// batch step when the transport fails systemically.
	MaxJobRetries int `json:"max_job_retries" yaml:"max_job_retries"`

	// RetryBackoffBase is the initial delay between batch step attempts.
	RetryBackoffBase time.Duration `json:"retry_backoff_base" yaml:"retry_backoff_base"`

	// RetryBackoffMax caps the delay between batch step attempts.
	RetryBackoffMax time.Duration `json:"retry_backoff_max" yaml:"retry_backoff_max"`

	// Concurrency is the maximum number of sends in flight within a batch.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// SendTimeout bounds a single render+send call.
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout"`

	// SendRateLimit is the sustained number of sends per second allowed
	// against the transport. Zero disables rate limiting.
	SendRateLimit float64 `json:"send_rate_limit" yaml:"send_rate_limit"`

	// SendRateBurst is the token-bucket burst for SendRateLimit.
	SendRateBurst int `json:"send_rate_burst" yaml:"send_rate_burst"`

	// RetentionWindow is how long terminal jobs are kept before the
	// retention sweeper purges them. Zero disables purging.
	RetentionWindow time.Duration `json:"retention_window" yaml:"retention_window"`

	// RetentionSchedule is the cron expression for the retention sweeper.
	RetentionSchedule string `json:"retention_schedule" yaml:"retention_schedule"`

	// FrontendURL is the base URL used for unsubscribe and attendance links.
	FrontendURL string `json:"frontend_url" yaml:"frontend_url"`

	// ShutdownTimeout is the maximum time to wait for in-flight jobs to
	// reach a batch boundary on shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		InterBatchDelay:   1 * time.Second,
		MaxJobRetries:     3,
		RetryBackoffBase:  1 * time.Second,
		RetryBackoffMax:   30 * time.Second,
		Concurrency:       10,
		SendTimeout:       10 * time.Second,
		SendRateBurst:     1,
		RetentionWindow:   7 * 24 * time.Hour,
		RetentionSchedule: "@every 1h",
		FrontendURL:       "http://localhost:5173",
		ShutdownTimeout:   30 * time.Second,
	}
}

// Validate reports the first invalid setting, wrapped in ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrConfiguration, c.BatchSize)
	case c.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrConfiguration, c.Concurrency)
	case c.MaxJobRetries <= 0:
		return fmt.Errorf("%w: max_job_retries must be positive, got %d", ErrConfiguration, c.MaxJobRetries)
	case c.InterBatchDelay < 0:
		return fmt.Errorf("%w: inter_batch_delay must not be negative", ErrConfiguration)
	case c.SendRateLimit < 0:
		return fmt.Errorf("%w: send_rate_limit must not be negative", ErrConfiguration)
	case c.FrontendURL == "":
		return fmt.Errorf("%w: frontend_url is required", ErrConfiguration)
	}
	return nil
}
