package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/listwatch/internal/observability"
	"github.com/3leaps/listwatch/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage tracked validation jobs",
	Long: `Inspect the job store: every list that was submitted and whose result has
not been written yet.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one tracked job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job_id>",
	Short: "Stop tracking a job without writing a result",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var jobsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Poll every tracked job once",
	RunE:  runJobsSweep,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	jobsCmd.AddCommand(jobsSweepCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsSweepCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	recs, err := store.List(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job store", err)
	}
	return printJobs(cmd, recs, asJSON)
}

func printJobs(cmd *cobra.Command, recs []jobstore.Record, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if recs == nil {
			recs = []jobstore.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tFILE\tSTATE\tATTEMPTS\tSUBMITTED\tLAST CHECKED\tTAG")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.JobID,
			orDash(r.SourceFileName),
			r.State,
			r.AttemptCount,
			r.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(r.LastCheckedAt),
			orDash(r.CostCenterTag),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(invalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}

	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rec, err := store.Get(cmd.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return exitError(foundry.ExitFileNotFound, "Job not tracked", err)
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job store", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "source_file=%s\n", rec.SourceFileName)
	_, _ = fmt.Fprintf(out, "source_path=%s\n", rec.SourcePath)
	if rec.CostCenterTag != "" {
		_, _ = fmt.Fprintf(out, "cost_center_tag=%s\n", rec.CostCenterTag)
	}
	if rec.RowCount > 0 {
		_, _ = fmt.Fprintf(out, "rows=%d\n", rec.RowCount)
	}
	_, _ = fmt.Fprintf(out, "attempts=%d\n", rec.AttemptCount)
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.LastCheckedAt != nil {
		_, _ = fmt.Fprintf(out, "last_checked_at=%s\n", rec.LastCheckedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastError != "" {
		_, _ = fmt.Fprintf(out, "last_error=%s\n", rec.LastError)
	}
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Delete(cmd.Context(), jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Job not tracked", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to update job store", err)
	}
	observability.CLILogger.Info("Job removed", zap.String("job_id", jobID))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", jobID)
	return nil
}

func runJobsSweep(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.engine.PollAll(cmd.Context())
	if err != nil {
		return exitError(serviceUnavailable, "Sweep failed", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	_, _ = fmt.Fprintf(out, "checked=%d completed=%d waiting=%d errored=%d abandoned=%d\n",
		sum.Checked, sum.Completed, sum.Waiting, sum.Errored, sum.Abandoned)
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
