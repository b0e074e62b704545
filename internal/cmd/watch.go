package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/listwatch/internal/observability"
	"github.com/3leaps/listwatch/internal/server"
	"github.com/3leaps/listwatch/pkg/lifecycle"
	"github.com/3leaps/listwatch/pkg/watcher"
)

var (
	watchOnce bool
	watchDir  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the input directory and process lists until interrupted",
	Long: `Watch the input directory for contact lists.

Every tick submits each new list, removes it from the input directory once the
job is recorded, and polls the jobs still in flight. Finished jobs produce a
result file in the output directory (default: <watch dir>/FINAL).

Examples:
  listwatch watch
  listwatch watch --dir /data/inbox
  listwatch watch --once          # a single tick, for cron`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run a single tick and exit")
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Input directory (overrides watch.dir)")
}

func runWatch(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	if watchDir != "" {
		cfg.Watch.Dir = watchDir
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := observability.CLILogger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Unexpected failure", zap.Any("panic", r), zap.Stack("stack"))
			err = exitError(serviceUnavailable, "Watch loop crashed", fmt.Errorf("panic: %v", r))
		}
	}()

	loop := watcher.New(watcher.Config{
		Dir:      cfg.Watch.Dir,
		Patterns: cfg.Watch.Patterns,
		Markers:  cfg.Watch.Markers,
		Interval: cfg.Watch.Interval,
		Notify:   cfg.Watch.Notify,
		Debounce: cfg.Watch.Debounce,
	}, a.engine, a.store, logger.Named("watcher"))

	if watchOnce {
		return runOnce(ctx, cfg.Watch.Dir, loop)
	}

	logger.Info("Starting listwatch",
		zap.String("version", versionInfo.Version),
		zap.String("store", describeStore(cfg)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(logger, "watch loop", func() error { return loop.Run(gctx) }))
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithStore(a.store),
			server.WithVersion(server.VersionInfo(versionInfo)),
			server.WithLogger(logger.Named("server")),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		)
		g.Go(guard(logger, "status server", func() error { return srv.Start(gctx, cfg.Server.ShutdownTimeout) }))
	}

	if err := g.Wait(); err != nil {
		logger.Error("Watch loop stopped", zap.Error(err))
		return exitError(serviceUnavailable, "Watch loop failed", err)
	}
	if ctx.Err() != nil {
		logger.Info("Interrupted, shutting down")
	}
	return nil
}

// errPanic marks an error recovered from a panicking goroutine.
var errPanic = errors.New("panic")

// guard turns a panic in fn into a logged error. errgroup does not recover
// panics of its goroutines.
func guard(logger *zap.Logger, component string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Unexpected failure",
					zap.String("component", component),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				err = fmt.Errorf("%s: %w: %v", component, errPanic, r)
			}
		}()
		return fn()
	}
}

func runOnce(ctx context.Context, dir string, loop *watcher.Loop) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create watch directory", err)
	}
	sum := loop.Tick(ctx)
	observability.CLILogger.Info("Tick complete",
		zap.Int("discovered", sum.Discovered),
		zap.Int("submitted", sum.Submitted),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("completed", sum.Sweep.Completed),
		zap.Int("abandoned", sum.Sweep.Abandoned),
		zap.Int("pending", sum.Pending),
	)
	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Tick cancelled", ctx.Err())
	}
	if sum.AuthFailed {
		return exitError(serviceUnavailable, "Login failed", lifecycle.ErrAuth)
	}
	return nil
}
