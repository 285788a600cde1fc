package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/pkg/job"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the persisted download queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs restored from the queue cache",
	RunE:  runJobsList,
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume all persisted jobs and wait for completion",
	RunE:  runJobsResume,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete ID...",
	Short: "Delete specific jobs by id",
	Long: `Delete the given jobs from the queue cache. Unknown ids are
reported and skipped; the rest are still deleted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJobsDelete,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all persisted jobs",
	Long: `Delete every job from the queue cache. Files already downloaded
stay on disk.`,
	RunE: runJobsClear,
}

var jobsListJSON bool

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsClearCmd)

	jobsListCmd.Flags().BoolVar(&jobsListJSON, "json", false, "Emit JSON instead of a table")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	sched, _, cleanup, err := newScheduler(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer cleanup()

	snaps, err := sched.RestoreDownloads()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to restore queue", err)
	}

	if jobsListJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	if len(snaps) == 0 {
		cmd.Println("queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tKIND\tPROGRESS\tURL")
	for _, snap := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			snap.ID, snap.State, snap.Kind, snap.CompletedCount, snap.TotalCount, snap.URL)
	}
	return w.Flush()
}

func runJobsResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sched, _, cleanup, err := newScheduler(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer cleanup()

	done := make(chan job.Snapshot, 64)
	sched.Subscribe(terminalListener(done))

	snaps, err := sched.RestoreDownloads()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to restore queue", err)
	}
	if len(snaps) == 0 {
		cmd.Println("queue is empty")
		return nil
	}
	cmd.Printf("resuming %d jobs\n", len(snaps))
	sched.DispatchNext()

	var failed int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		remaining := len(snaps)
		for remaining > 0 {
			select {
			case snap := <-done:
				remaining--
				report(cmd, snap)
				if snap.State != job.StateFinished {
					failed++
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Interrupted", err)
		}
		return err
	}
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some downloads failed",
			fmt.Errorf("%d of %d jobs did not finish", failed, len(snaps)))
	}
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	sched, _, cleanup, err := newScheduler(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer cleanup()

	if _, err := sched.RestoreDownloads(); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to restore queue", err)
	}

	affected, missing := sched.DeleteMany(args)
	for _, id := range missing {
		cmd.Printf("unknown id: %s\n", id)
	}
	cmd.Printf("deleted %d jobs\n", len(affected))
	if len(affected) == 0 && len(missing) > 0 {
		return exitError(foundry.ExitInvalidArgument, "No matching jobs",
			fmt.Errorf("%d unknown ids", len(missing)))
	}
	return nil
}

func runJobsClear(cmd *cobra.Command, args []string) error {
	sched, _, cleanup, err := newScheduler(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer cleanup()

	snaps, err := sched.RestoreDownloads()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to restore queue", err)
	}
	if len(snaps) == 0 {
		cmd.Println("queue is empty")
		return nil
	}

	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.ID
	}
	affected, _ := sched.DeleteMany(ids)
	cmd.Printf("deleted %d jobs\n", len(affected))
	return nil
}
