package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Key     string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "config: " + e.Key + ": " + e.Message
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, &ValidationError{Key: key, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Watch.Dir) == "" {
		bad("watch.dir", "is required")
	}
	if c.Watch.Interval <= 0 {
		bad("watch.interval", "must be positive, got %s", c.Watch.Interval)
	}
	if len(c.Watch.Patterns) == 0 {
		bad("watch.patterns", "at least one pattern is required")
	}

	switch c.Output.Format {
	case "csv", "xlsx":
	default:
		bad("output.format", "must be csv or xlsx, got %q", c.Output.Format)
	}

	switch c.Store.Backend {
	case "json", "sqlite":
	case "redis":
		if c.Store.RedisURL == "" {
			bad("store.redis_url", "is required for the redis backend")
		}
	default:
		bad("store.backend", "must be json, sqlite or redis, got %q", c.Store.Backend)
	}

	if u, err := url.Parse(c.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("remote.base_url", "must be an absolute http(s) URL, got %q", c.Remote.BaseURL)
	}
	if c.Remote.Retry.MaxAttempts < 1 {
		bad("remote.retry.max_attempts", "must be at least 1")
	}
	if c.Remote.Retry.Backoff < 0 {
		bad("remote.retry.backoff", "must not be negative")
	}
	if c.Remote.RateLimit < 0 {
		bad("remote.rate_limit", "must not be negative")
	}
	if c.Remote.SubmitTimeout <= 0 || c.Remote.PollTimeout <= 0 {
		bad("remote.timeouts", "submit_timeout and poll_timeout must be positive")
	}

	if c.Credential.Lifetime <= 0 {
		bad("credential.lifetime", "must be positive")
	}
	if c.Credential.RefreshMargin <= 0 || c.Credential.RefreshMargin >= c.Credential.Lifetime {
		bad("credential.refresh_margin", "must be positive and below credential.lifetime")
	}

	if c.Poll.MaxAttempts < 0 {
		bad("poll.max_attempts", "must not be negative")
	}
	if c.Poll.Concurrency < 1 {
		bad("poll.concurrency", "must be at least 1")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		bad("server.port", "out of range: %d", c.Server.Port)
	}

	return errors.Join(errs...)
}

// RequireCredentials checks the login settings needed to talk to the remote.
func (c *Config) RequireCredentials() error {
	var errs []error
	if strings.TrimSpace(c.Remote.Email) == "" {
		errs = append(errs, &ValidationError{Key: "remote.email", Message: "is required (LISTWATCH_EMAIL)"})
	}
	if c.Remote.Password == "" {
		errs = append(errs, &ValidationError{Key: "remote.password", Message: "is required (LISTWATCH_PASSWORD)"})
	}
	return errors.Join(errs...)
}
