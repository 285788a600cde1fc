package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/pkg/job"
	"github.com/quarryhq/quarry/pkg/naming"
	"github.com/quarryhq/quarry/pkg/scheduler"
)

var getCmd = &cobra.Command{
	Use:   "get URL...",
	Short: "Download one or more URLs",
	Long: `Download the given URLs and wait for completion.

A URL naming a gallery or prefix downloads every resource under it.
Failed sub-items are retried up to three times each; a job with some
failed items still finishes and reports the failures.

Example:
  quarry get https://example.com/photos/cat.jpg
  quarry get s3://photos/albums/2024/ -o ./albums
  quarry get https://a.com/1.png https://a.com/2.png --accept 'image/*'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

var (
	getSaveTo    string
	getAccept    []string
	getNaming    string
	getOverwrite string
)

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().StringVarP(&getSaveTo, "out", "o", "", "Destination directory (default from config)")
	getCmd.Flags().StringSliceVar(&getAccept, "accept", nil, "Accept patterns over MIME types and filenames")
	getCmd.Flags().StringVar(&getNaming, "naming", "", "Filename template, e.g. '%title%/%page_num%.%ext%'")
	getCmd.Flags().StringVar(&getOverwrite, "overwrite", "", "Collision handling: skip, overwrite, or rename")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	opts := cfg.JobOptions()
	if getSaveTo != "" {
		opts.SaveTo = getSaveTo
	}
	if len(getAccept) > 0 {
		opts.AcceptTypes = getAccept
	}
	if getNaming != "" {
		opts.NamingPattern = getNaming
	}
	if getOverwrite != "" {
		mode, err := naming.ParseOverwriteMode(getOverwrite)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --overwrite value", err)
		}
		opts.OverwriteMode = mode
	}

	sched, _, cleanup, err := newScheduler(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer cleanup()

	done := make(chan job.Snapshot, len(args))
	sched.Subscribe(terminalListener(done))

	specs := make([]scheduler.FetchSpec, 0, len(args))
	for _, raw := range args {
		specs = append(specs, scheduler.FetchSpec{URL: raw, Options: opts})
	}

	snaps, errs := sched.SubmitBatch(specs)
	for _, serr := range errs {
		observability.CLILogger.Error("Rejected URL", zap.Error(serr))
	}
	if len(snaps) == 0 {
		return exitError(foundry.ExitInvalidArgument, "No downloadable URLs", errors.Join(errs...))
	}
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
		// Interrupted: cancel the in-flight transfers before exiting so
		// partial files stay in .part form.
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

func terminal(s job.State) bool {
	return s == job.StateFinished || s == job.StateErrored || s == job.StateStopped
}

// terminalListener forwards the first terminal snapshot per job id to
// done. Deduplicating by id keeps the completion count honest even if a
// job is ever reported as terminal through more than one event.
func terminalListener(done chan<- job.Snapshot) scheduler.Listener {
	var mu sync.Mutex
	seen := map[string]bool{}
	return scheduler.ListenerFunc(func(e scheduler.Event) {
		if e.Job == nil || !terminal(e.Job.State) {
			return
		}
		mu.Lock()
		dup := seen[e.Job.ID]
		seen[e.Job.ID] = true
		mu.Unlock()
		if !dup {
			done <- *e.Job
		}
	})
}

func report(cmd *cobra.Command, snap job.Snapshot) {
	switch snap.State {
	case job.StateFinished:
		if snap.PartiallyFailed() {
			cmd.Printf("done (partial) %s  %d/%d items, %d failed\n",
				snap.URL, snap.CompletedCount, snap.TotalCount, snap.FailedCount)
			return
		}
		cmd.Printf("done  %s  %d/%d items\n", snap.URL, snap.CompletedCount, snap.TotalCount)
	case job.StateErrored:
		cmd.Printf("error %s  all %d items failed\n", snap.URL, snap.TotalCount)
	case job.StateStopped:
		cmd.Printf("stopped %s  %d/%d items\n", snap.URL, snap.CompletedCount, snap.TotalCount)
	}
}
