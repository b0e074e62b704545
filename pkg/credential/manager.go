// Package credential holds the bearer token used against the remote
// validation service and refreshes it before it expires.
//
// The login endpoint does not report an expiry, so a token is assumed to be
// valid for a fixed Lifetime after it was obtained. EnsureValid re-logs in
// once the token is within RefreshMargin of that assumed expiry.
package credential

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoginFunc performs one login (including its own retry budget) and returns
// the bearer token.
type LoginFunc func(ctx context.Context) (string, error)

// Options configures a Manager.
type Options struct {
	// Lifetime is the assumed validity of a freshly issued token.
	// Zero or negative selects the default. Default: 1h
	Lifetime time.Duration

	// RefreshMargin re-logs in this long before the assumed expiry.
	// Zero or negative selects the default. Default: 5m
	RefreshMargin time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *zap.Logger
}

// DefaultOptions returns the default credential options.
func DefaultOptions() Options {
	return Options{
		Lifetime:      time.Hour,
		RefreshMargin: 5 * time.Minute,
	}
}

// Manager owns the process-wide credential: token value plus expiry.
//
// Manager is safe for concurrent use; concurrent refreshes collapse into a
// single login call.
type Manager struct {
	login  LoginFunc
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	token   string
	expires time.Time

	group singleflight.Group
}

// New creates a Manager around login.
func New(login LoginFunc, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Lifetime <= 0 {
		opts.Lifetime = def.Lifetime
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = def.RefreshMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{login: login, opts: opts, logger: logger}
}

// EnsureValid makes sure a usable token is held, logging in when there is
// none or when it expires within the refresh margin.
//
// It returns false only when login fails; callers skip the current tick.
func (m *Manager) EnsureValid(ctx context.Context) bool {
	if !m.needsRefresh() {
		return true
	}

	_, err, _ := m.group.Do("login", func() (any, error) {
		// Another caller may have refreshed while we waited for the group.
		if !m.needsRefresh() {
			return nil, nil
		}
		return nil, m.refresh(ctx)
	})
	if err != nil {
		m.logger.Error("Login failed", zap.Error(err))
		return false
	}
	return true
}

// Token returns the current bearer token (possibly empty).
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// ExpiresAt returns the assumed expiry of the current token.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expires
}

// Invalidate drops the held token so the next EnsureValid logs in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expires = time.Time{}
}

func (m *Manager) needsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" || m.expires.IsZero() {
		return true
	}
	return !m.opts.Now().Add(m.opts.RefreshMargin).Before(m.expires)
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.RLock()
	hadToken := m.token != ""
	m.mu.RUnlock()
	if hadToken {
		m.logger.Info("Token close to expiry, renewing")
	}

	token, err := m.login(ctx)
	if err != nil {
		return err
	}

	now := m.opts.Now()
	m.mu.Lock()
	m.token = token
	m.expires = now.Add(m.opts.Lifetime)
	m.mu.Unlock()

	m.logger.Info("Login succeeded", zap.Time("expires_at", now.Add(m.opts.Lifetime)))
	return nil
}
