package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/listwatch/internal/observability"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check the configured credentials against the remote service",
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireCredentials(); err != nil {
		return exitError(invalidArgument, "Missing credentials", err)
	}

	client := newRemoteClient(cfg, observability.CLILogger)
	token, err := client.Login(cmd.Context())
	if err != nil {
		observability.CLILogger.Error("Login failed", zap.String("base_url", cfg.Remote.BaseURL), zap.Error(err))
		return exitError(serviceUnavailable, "Login failed", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "login ok for %s (token %s)\n", cfg.Remote.Email, maskToken(token))
	return nil
}

// maskToken keeps the last four characters.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
