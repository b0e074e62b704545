// Package config loads listwatch settings from defaults, an optional YAML
// file, a .env file, LISTWATCH_* environment variables and runtime overrides,
// in increasing order of precedence.
package config

import "time"

// Config is the effective configuration.
type Config struct {
	Watch      WatchConfig      `mapstructure:"watch"`
	Output     OutputConfig     `mapstructure:"output"`
	Store      StoreConfig      `mapstructure:"store"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Credential CredentialConfig `mapstructure:"credential"`
	Poll       PollConfig       `mapstructure:"poll"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WatchConfig controls input discovery.
type WatchConfig struct {
	Dir      string        `mapstructure:"dir"`
	Patterns []string      `mapstructure:"patterns"`
	Markers  []string      `mapstructure:"markers"`
	Interval time.Duration `mapstructure:"interval"`
	Notify   bool          `mapstructure:"notify"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// OutputConfig controls where result files go.
type OutputConfig struct {
	// Dir defaults to <watch.dir>/FINAL.
	Dir    string   `mapstructure:"dir"`
	Format string   `mapstructure:"format"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config enables the S3 result mirror when Bucket is set.
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`

	// Path defaults to a file under the app data directory.
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
	RedisKey string `mapstructure:"redis_key"`
}

// RemoteConfig addresses the validation API.
type RemoteConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	LoginPath     string        `mapstructure:"login_path"`
	SubmitPath    string        `mapstructure:"submit_path"`
	PollPath      string        `mapstructure:"poll_path"`
	Email         string        `mapstructure:"email"`
	Password      string        `mapstructure:"password"`
	CompanyID     int           `mapstructure:"company_id"`
	Timezone      string        `mapstructure:"timezone"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	Retry         RetryConfig   `mapstructure:"retry"`
	RateLimit     float64       `mapstructure:"rate_limit"`
}

// RetryConfig is the per-request retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// CredentialConfig tunes token refresh.
type CredentialConfig struct {
	Lifetime      time.Duration `mapstructure:"lifetime"`
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
}

// PollConfig tunes sweeps.
type PollConfig struct {
	// MaxAttempts abandons a job after this many unfinished polls (0 = never).
	MaxAttempts int `mapstructure:"max_attempts"`
	Concurrency int `mapstructure:"concurrency"`

	// DeadLetterDir defaults to a directory under the app data directory.
	DeadLetterDir string `mapstructure:"dead_letter_dir"`
}

// NotifyConfig enables NATS events when NATSURL is set.
type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
