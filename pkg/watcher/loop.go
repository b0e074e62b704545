// Package watcher runs the periodic ingest loop: discover new list files in
// the watch directory, submit them, then sweep the in-flight jobs.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/3leaps/listwatch/pkg/jobstore"
	"github.com/3leaps/listwatch/pkg/lifecycle"
)

// Defaults for Config.
const (
	DefaultInterval = 30 * time.Second
	DefaultDebounce = 2 * time.Second

	// pendingPreview caps how many in-flight records are logged per tick.
	pendingPreview = 5
)

// DefaultPatterns selects list files by name.
var DefaultPatterns = []string{"*.csv"}

// DefaultMarkers exclude a file that has a sibling "<name><marker>".
var DefaultMarkers = []string{lifecycle.SubmittedMarker, ".processed"}

// Engine is the lifecycle surface the loop drives.
type Engine interface {
	Submit(ctx context.Context, path string) (*jobstore.Record, error)
	PollAll(ctx context.Context) (lifecycle.SweepSummary, error)
}

// Config configures a Loop.
type Config struct {
	Dir      string
	Patterns []string
	Markers  []string
	Interval time.Duration

	// Notify wakes the loop early when files change in Dir.
	Notify   bool
	Debounce time.Duration
}

// TickSummary reports one iteration.
type TickSummary struct {
	Discovered int
	Submitted  int
	Failed     int
	Skipped    int
	AuthFailed bool
	Sweep      lifecycle.SweepSummary
	Pending    int
}

// Loop is the watch loop.
type Loop struct {
	cfg    Config
	engine Engine
	store  jobstore.Store
	logger *zap.Logger
}

// New creates a loop. Zero-valued settings take their defaults.
func New(cfg Config, engine Engine, store jobstore.Store, logger *zap.Logger) *Loop {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns
	}
	if cfg.Markers == nil {
		cfg.Markers = DefaultMarkers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{cfg: cfg, engine: engine, store: store, logger: logger}
}

// Discover lists the regular files directly inside the watch directory that
// match a pattern and have no marker sibling, sorted by name.
func (l *Loop) Discover() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read watch dir: %w", err)
	}

	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}

	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !l.candidate(name) {
			continue
		}
		if l.marked(name, names) {
			l.logger.Debug("Skipping marked file", zap.String("file", name))
			continue
		}
		out = append(out, filepath.Join(l.cfg.Dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// candidate reports whether name is a list file. Matching ignores case;
// hidden files and office lock files are never candidates.
func (l *Loop) candidate(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return false
	}
	lower := strings.ToLower(name)
	for _, m := range l.cfg.Markers {
		if strings.HasSuffix(lower, strings.ToLower(m)) {
			return false
		}
	}
	for _, p := range l.cfg.Patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}

func (l *Loop) marked(name string, siblings map[string]struct{}) bool {
	for _, m := range l.cfg.Markers {
		if _, ok := siblings[name+m]; ok {
			return true
		}
	}
	return false
}

// Tick submits every discovered file, then runs one sweep. A credential
// failure ends the tick early.
func (l *Loop) Tick(ctx context.Context) TickSummary {
	var sum TickSummary

	files, err := l.Discover()
	if err != nil {
		l.logger.Error("Discovery failed", zap.String("dir", l.cfg.Dir), zap.Error(err))
	}
	sum.Discovered = len(files)

	for _, path := range files {
		if ctx.Err() != nil {
			return sum
		}
		if _, err := l.engine.Submit(ctx, path); err != nil {
			if lifecycle.IsAuth(err) {
				l.logger.Warn("Credential unavailable, skipping this tick")
				sum.AuthFailed = true
				return sum
			}
			if lifecycle.IsAlreadySubmitted(err) {
				sum.Skipped++
				l.logger.Warn("Source file still present after submission, skipping", zap.String("file", filepath.Base(path)), zap.Error(err))
				continue
			}
			sum.Failed++
			l.logger.Error("Submission failed", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		sum.Submitted++
	}

	sweep, err := l.engine.PollAll(ctx)
	sum.Sweep = sweep
	switch {
	case errors.Is(err, lifecycle.ErrAuth):
		l.logger.Warn("Credential unavailable, sweep skipped")
		sum.AuthFailed = true
	case err != nil && ctx.Err() == nil:
		l.logger.Error("Sweep failed", zap.Error(err))
	}

	sum.Pending = l.logPending(ctx, "Jobs in flight")
	return sum
}

// logPending logs the in-flight count and a short preview of the records.
func (l *Loop) logPending(ctx context.Context, msg string) int {
	recs, err := l.store.List(context.WithoutCancel(ctx))
	if err != nil {
		l.logger.Warn("Could not list jobs", zap.Error(err))
		return 0
	}
	if len(recs) == 0 {
		return 0
	}
	l.logger.Info(msg, zap.Int("count", len(recs)))
	for i, r := range recs {
		if i == pendingPreview {
			break
		}
		l.logger.Info("Pending job",
			zap.String("job_id", r.JobID),
			zap.String("file", r.SourceFileName),
			zap.String("state", string(r.State)),
			zap.Int("attempt", r.AttemptCount),
		)
	}
	return len(recs)
}

// Run ticks immediately and then every Interval until ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}

	var wake <-chan struct{}
	if l.cfg.Notify {
		ch, err := l.watch(ctx)
		if err != nil {
			l.logger.Warn("File notifications unavailable, polling only", zap.Error(err))
		} else {
			wake = ch
		}
	}

	l.logger.Info("Watching for lists",
		zap.String("dir", l.cfg.Dir),
		zap.Strings("patterns", l.cfg.Patterns),
		zap.Duration("interval", l.cfg.Interval),
	)

	l.Tick(ctx)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logPending(ctx, "Shutting down with jobs in flight")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		case <-wake:
			l.Tick(ctx)
			ticker.Reset(l.cfg.Interval)
		}
	}
}

// watch signals on the returned channel after a debounced burst of changes to
// candidate files.
func (l *Loop) watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(l.cfg.Dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go func() {
		defer func() { _ = w.Close() }()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if !l.candidate(filepath.Base(ev.Name)) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(l.cfg.Debounce, signal)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("File watcher error", zap.Error(err))
			}
		}
	}()
	return wake, nil
}
