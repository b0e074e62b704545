package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/listwatch/internal/config"
	"github.com/3leaps/listwatch/internal/observability"
	"github.com/3leaps/listwatch/pkg/notify"
)

var doctorSkipRemote bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration and the services listwatch
depends on.

Examples:
  listwatch doctor
  listwatch doctor --skip-remote   # do not log in`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorSkipRemote, "skip-remote", false, "Skip the login check")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{"Go runtime", func(context.Context, *config.Config) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"credentials", func(_ context.Context, cfg *config.Config) (string, error) {
			if err := cfg.RequireCredentials(); err != nil {
				return "", err
			}
			return cfg.Remote.Email, nil
		}},
		{"watch directory", func(_ context.Context, cfg *config.Config) (string, error) {
			return cfg.Watch.Dir, checkWritableDir(cfg.Watch.Dir)
		}},
		{"output directory", func(_ context.Context, cfg *config.Config) (string, error) {
			return cfg.Output.Dir, checkWritableDir(cfg.Output.Dir)
		}},
		{"job store", func(ctx context.Context, cfg *config.Config) (string, error) {
			store, err := openStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			recs, err := store.List(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%d jobs)", describeStore(cfg), len(recs)), nil
		}},
	}
	if !doctorSkipRemote {
		checks = append(checks, doctorCheck{"remote login", func(ctx context.Context, cfg *config.Config) (string, error) {
			if _, err := newRemoteClient(cfg, zap.NewNop()).Login(ctx); err != nil {
				return "", err
			}
			return cfg.Remote.BaseURL, nil
		}})
	}
	if cfg.Output.S3.Bucket != "" {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}
	if cfg.Notify.NATSURL != "" {
		checks = append(checks, doctorCheck{"NATS", func(_ context.Context, cfg *config.Config) (string, error) {
			pub, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.Subject)
			if err != nil {
				return "", err
			}
			_ = pub.Close()
			return cfg.Notify.NATSURL, nil
		}})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	log := observability.CLILogger
	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	checks := doctorChecks(cfg)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context(), cfg)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" failed", zap.Error(err))
			continue
		}
		log.Info(prefix+" ok", zap.String("detail", detail))
	}

	if failed > 0 {
		log.Warn("Some checks failed. Review the output above for details.", zap.Int("failed", failed))
		return exitError(serviceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info("All checks passed")
	return nil
}

// checkWritableDir creates dir if needed and probes it with a temp file.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".listwatch-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Output.S3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Output.S3.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskToken(creds.AccessKeyID), source), nil
}
