package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingLogin(calls *atomic.Int32, tokens ...string) LoginFunc {
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		idx := int(n) - 1
		if idx >= len(tokens) {
			idx = len(tokens) - 1
		}
		return tokens[idx], nil
	}
}

func TestEnsureValid_LogsInWhenEmpty(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	m := New(countingLogin(&calls, "tok-1"), Options{Now: clock.Now})

	require.True(t, m.EnsureValid(context.Background()))
	assert.Equal(t, "tok-1", m.Token())
	assert.Equal(t, clock.now.Add(time.Hour), m.ExpiresAt())
	assert.Equal(t, int32(1), calls.Load())

	// Still fresh: no second login.
	require.True(t, m.EnsureValid(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnsureValid_ProactiveRefreshInsideMargin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	m := New(countingLogin(&calls, "tok-1", "tok-2"), Options{
		Lifetime:      time.Hour,
		RefreshMargin: 5 * time.Minute,
		Now:           clock.Now,
	})
	require.True(t, m.EnsureValid(context.Background()))

	// Token now expires in 3 minutes, inside the 5 minute margin.
	clock.Advance(57 * time.Minute)
	require.True(t, m.EnsureValid(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "tok-2", m.Token())
}

func TestEnsureValid_NoRefreshOutsideMargin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	m := New(countingLogin(&calls, "tok-1", "tok-2"), Options{Now: clock.Now})
	require.True(t, m.EnsureValid(context.Background()))

	clock.Advance(50 * time.Minute)
	require.True(t, m.EnsureValid(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "tok-1", m.Token())
}

func TestEnsureValid_LoginFailureReturnsFalse(t *testing.T) {
	m := New(func(ctx context.Context) (string, error) {
		return "", errors.New("bad credentials")
	}, Options{})

	assert.False(t, m.EnsureValid(context.Background()))
	assert.Empty(t, m.Token())
}

func TestEnsureValid_FailedRefreshKeepsOldToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	fail := false
	m := New(func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("login down")
		}
		return "tok-1", nil
	}, Options{RefreshMargin: 5 * time.Minute, Now: clock.Now})
	require.True(t, m.EnsureValid(context.Background()))

	fail = true
	clock.Advance(58 * time.Minute)
	assert.False(t, m.EnsureValid(context.Background()))
	assert.Equal(t, "tok-1", m.Token())
}

func TestEnsureValid_ConcurrentCallersShareOneLogin(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := New(func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "tok", nil
	}, Options{})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.EnsureValid(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, calls.Load(), int32(2))
	assert.Equal(t, "tok", m.Token())
}

func TestInvalidate(t *testing.T) {
	var calls atomic.Int32
	m := New(countingLogin(&calls, "a", "b"), Options{})
	require.True(t, m.EnsureValid(context.Background()))

	m.Invalidate()
	assert.Empty(t, m.Token())
	require.True(t, m.EnsureValid(context.Background()))
	assert.Equal(t, "b", m.Token())
}

func TestNew_ZeroOptionsUseDefaults(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	m := New(countingLogin(&calls, "tok-1", "tok-2"), Options{Now: clock.Now})
	assert.Equal(t, DefaultOptions().RefreshMargin, m.opts.RefreshMargin)
	assert.Equal(t, DefaultOptions().Lifetime, m.opts.Lifetime)

	require.True(t, m.EnsureValid(context.Background()))
	clock.Advance(57 * time.Minute)
	require.True(t, m.EnsureValid(context.Background()))
	assert.Equal(t, "tok-2", m.Token())
	assert.Equal(t, int32(2), calls.Load())
}
