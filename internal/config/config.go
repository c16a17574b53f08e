package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the safetyd service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Engine   EngineConfig   `yaml:"engine"`
	Audit    AuditConfig    `yaml:"audit"`
	Detector DetectorConfig `yaml:"detector"`
	Batch    BatchConfig    `yaml:"batch"`
}

// HTTPConfig tunes the safetyd listener.
type HTTPConfig struct {
	Addr            string `yaml:"addr" env:"SAFETY_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     int    `yaml:"read_timeout_seconds" env:"SAFETY_HTTP_READ_TIMEOUT" env-default:"15"`
	WriteTimeout    int    `yaml:"write_timeout_seconds" env:"SAFETY_HTTP_WRITE_TIMEOUT" env-default:"15"`
	IdleTimeout     int    `yaml:"idle_timeout_seconds" env:"SAFETY_HTTP_IDLE_TIMEOUT" env-default:"60"`
	RatePerSecond   int    `yaml:"rate_per_second" env:"SAFETY_HTTP_RATE_PER_SECOND" env-default:"20"`
	RateBurst       int    `yaml:"rate_burst" env:"SAFETY_HTTP_RATE_BURST" env-default:"40"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes" env:"SAFETY_HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds" env:"SAFETY_HTTP_SHUTDOWN_TIMEOUT" env-default:"10"`
}

// EngineConfig points at the remote cascade-deletion engine.
type EngineConfig struct {
	BaseURL        string `yaml:"base_url" env:"SAFETY_ENGINE_BASE_URL"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"SAFETY_ENGINE_TIMEOUT" env-default:"60"`
	RetryAttempts  int    `yaml:"retry_attempts" env:"SAFETY_ENGINE_RETRY_ATTEMPTS" env-default:"3"`
	BackoffMillis  int    `yaml:"backoff_millis" env:"SAFETY_ENGINE_BACKOFF_MILLIS" env-default:"500"`
}

// AuditConfig selects where activity events are forwarded.
type AuditConfig struct {
	// Sink: "log", "http" or "postgres".
	Sink     string `yaml:"sink" env:"SAFETY_AUDIT_SINK" env-default:"log"`
	Endpoint string `yaml:"endpoint" env:"SAFETY_AUDIT_ENDPOINT"`
	DSN      string `yaml:"dsn" env:"SAFETY_AUDIT_PG_DSN"`
	Capacity int    `yaml:"capacity" env:"SAFETY_AUDIT_CAPACITY" env-default:"100"`
}

// DetectorConfig overrides the abuse-heuristic thresholds.
type DetectorConfig struct {
	WindowMinutes          int  `yaml:"window_minutes" env:"SAFETY_DETECTOR_WINDOW_MINUTES" env-default:"10"`
	RapidDeletionThreshold int  `yaml:"rapid_deletion_threshold" env:"SAFETY_DETECTOR_RAPID_THRESHOLD" env-default:"10"`
	FailureThreshold       int  `yaml:"failure_threshold" env:"SAFETY_DETECTOR_FAILURE_THRESHOLD" env-default:"5"`
	AfterHoursStart        int  `yaml:"after_hours_start" env:"SAFETY_DETECTOR_AFTER_HOURS_START" env-default:"22"`
	AfterHoursEnd          int  `yaml:"after_hours_end" env:"SAFETY_DETECTOR_AFTER_HOURS_END" env-default:"6"`
	FlagAfterHoursBulk     bool `yaml:"flag_after_hours_bulk" env:"SAFETY_DETECTOR_FLAG_AFTER_HOURS" env-default:"true"`
}

// BatchConfig tunes batch execution.
type BatchConfig struct {
	PaceMillis int `yaml:"pace_millis" env:"SAFETY_BATCH_PACE_MILLIS" env-default:"0"`
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" {
		return errors.New("engine.base_url is required")
	}
	switch c.Audit.Sink {
	case "log":
	case "http":
		if c.Audit.Endpoint == "" {
			return errors.New("audit.endpoint is required for the http sink")
		}
	case "postgres":
		if c.Audit.DSN == "" {
			return errors.New("audit.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}
	if c.Detector.AfterHoursStart < 0 || c.Detector.AfterHoursStart > 23 {
		return errors.New("detector.after_hours_start must be an hour of day")
	}
	if c.Detector.AfterHoursEnd < 0 || c.Detector.AfterHoursEnd > 23 {
		return errors.New("detector.after_hours_end must be an hour of day")
	}
	return nil
}

// EngineTimeout returns the remote call deadline as a duration.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// EngineBackoff returns the retry backoff base as a duration.
func (c *Config) EngineBackoff() time.Duration {
	return time.Duration(c.Engine.BackoffMillis) * time.Millisecond
}

// DetectorWindow returns the heuristic scan window as a duration.
func (c *Config) DetectorWindow() time.Duration {
	return time.Duration(c.Detector.WindowMinutes) * time.Minute
}

// BatchPace returns the inter-item delay as a duration.
func (c *Config) BatchPace() time.Duration {
	return time.Duration(c.Batch.PaceMillis) * time.Millisecond
}
