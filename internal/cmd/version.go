package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "listwatch %s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(out, "commit: %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "built: %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
