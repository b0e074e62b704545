// Package cmd implements the listwatch command line.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/listwatch/internal/config"
	"github.com/3leaps/listwatch/internal/observability"
)

// VersionInfo is stamped at build time by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the binary and its config surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set up by the root command, or nil
// before the first command ran.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Submit contact lists for validation and collect the results",
	Long: `listwatch watches a directory for contact lists, submits each one to the
remote validation service and writes a result file per list once the
service finishes.

Credentials come from LISTWATCH_EMAIL and LISTWATCH_PASSWORD (a .env file in
the working directory is read too). See 'listwatch config show' for every
setting.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./listwatch.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json-logs", false, "Emit logs as JSON lines")
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initApp(cmd *cobra.Command, _ []string) error {
	if cmd == versionCmd {
		return nil
	}
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix + "_",
		ConfigName: config.AppName,
	}

	config.SetConfigFile(cfgFile)
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(configExitCode(err), "Invalid configuration", err)
	}

	jsonLogs := jsonOutput || strings.EqualFold(cfg.Logging.Format, "json")
	if err := observability.InitCLILogger(cfg.Logging.Level, jsonLogs); err != nil {
		return exitError(invalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("watch_dir", cfg.Watch.Dir),
		zap.String("store", cfg.Store.Backend),
		zap.String("store_path", cfg.Store.Path),
	)
	return nil
}

// currentConfig returns the config loaded by initApp.
func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}
