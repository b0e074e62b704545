package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/listwatch/pkg/jobstore"
	"github.com/3leaps/listwatch/pkg/lifecycle"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []string
	sweeps    int
	submitErr error
	pollErr   error
}

func (f *fakeEngine) Submit(ctx context.Context, path string) (*jobstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, filepath.Base(path))
	_ = os.Remove(path)
	return &jobstore.Record{JobID: path}, nil
}

func (f *fakeEngine) PollAll(ctx context.Context) (lifecycle.SweepSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return lifecycle.SweepSummary{}, f.pollErr
}

func (f *fakeEngine) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), f.sweeps
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("Destinatario\n1\n"), 0o644))
}

func newStore(t *testing.T) jobstore.Store {
	t.Helper()
	s, err := jobstore.OpenFile(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "b.csv")
	touch(t, dir, "a.CSV")
	touch(t, dir, "done.csv")
	touch(t, dir, "done.csv.enviado")
	touch(t, dir, "old.csv")
	touch(t, dir, "old.csv.processed")
	touch(t, dir, "notes.txt")
	touch(t, dir, ".hidden.csv")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "FINAL"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.csv"), 0o755))

	l := New(Config{Dir: dir}, &fakeEngine{}, newStore(t), nil)
	files, err := l.Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.CSV"),
		filepath.Join(dir, "b.csv"),
	}, files)
}

func TestDiscover_CustomPatterns(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.csv")
	touch(t, dir, "b.xlsx")
	touch(t, dir, "c.txt")

	l := New(Config{Dir: dir, Patterns: []string{"*.{csv,xlsx}"}}, &fakeEngine{}, newStore(t), nil)
	files, err := l.Discover()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestDiscover_MissingDir(t *testing.T) {
	l := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, &fakeEngine{}, newStore(t), nil)
	_, err := l.Discover()
	assert.Error(t, err)
}

func TestTick_SubmitsThenSweeps(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.csv")
	touch(t, dir, "b.csv")

	store := newStore(t)
	require.NoError(t, store.Insert(context.Background(), &jobstore.Record{JobID: "J-1", CreatedAt: time.Now()}))

	eng := &fakeEngine{}
	sum := New(Config{Dir: dir}, eng, store, nil).Tick(context.Background())

	assert.Equal(t, 2, sum.Discovered)
	assert.Equal(t, 2, sum.Submitted)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, []string{"a.csv", "b.csv"}, eng.submitted)
	assert.Equal(t, 1, eng.sweeps)
}

func TestTick_AuthFailureSkipsRest(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.csv")

	eng := &fakeEngine{submitErr: &lifecycle.SubmitError{Path: "a.csv", Err: lifecycle.ErrAuth}}
	sum := New(Config{Dir: dir}, eng, newStore(t), nil).Tick(context.Background())

	assert.True(t, sum.AuthFailed)
	assert.Equal(t, 0, eng.sweeps)
}

func TestTick_SubmitFailureContinues(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.csv")
	touch(t, dir, "b.csv")

	eng := &fakeEngine{submitErr: &lifecycle.SubmitError{Path: "x", Err: lifecycle.ErrSchema}}
	sum := New(Config{Dir: dir}, eng, newStore(t), nil).Tick(context.Background())

	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 1, eng.sweeps)
}

func TestTick_AlreadySubmittedIsSkipped(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.csv")

	eng := &fakeEngine{submitErr: &lifecycle.SubmitError{Path: "a.csv", Err: lifecycle.ErrAlreadySubmitted}}
	sum := New(Config{Dir: dir}, eng, newStore(t), nil).Tick(context.Background())

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 1, eng.sweeps)
}

func TestDiscover_SubmittedMarkerExcludes(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.csv")
	touch(t, dir, "a.csv"+lifecycle.SubmittedMarker)

	files, err := New(Config{Dir: dir}, &fakeEngine{}, newStore(t), nil).Discover()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "watch")
	eng := &fakeEngine{}
	l := New(Config{Dir: dir, Interval: 10 * time.Millisecond}, eng, newStore(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, sweeps := eng.counts()
		return sweeps >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.DirExists(t, dir)
}

func TestRun_NotifyWakesEarly(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{}
	l := New(Config{
		Dir:      dir,
		Interval: time.Hour,
		Notify:   true,
		Debounce: 20 * time.Millisecond,
	}, eng, newStore(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	// Initial tick.
	require.Eventually(t, func() bool {
		_, sweeps := eng.counts()
		return sweeps == 1
	}, 2*time.Second, 5*time.Millisecond)

	touch(t, dir, "late.csv")

	require.Eventually(t, func() bool {
		submitted, _ := eng.counts()
		return submitted == 1
	}, 5*time.Second, 10*time.Millisecond)
}
