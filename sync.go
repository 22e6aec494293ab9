package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/config"
	"github.com/poesterlin/tolino-calibre-sync/internal/sync"
)

// errSyncIncomplete signals that the run finished but some books failed.
// main exits 1 without printing it again.
var errSyncIncomplete = errors.New("sync finished with errors")

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload new library books and remove deleted ones from the cloud",
		Long: `Run a sync cycle: read the Calibre catalog and the tolino cloud
inventory, upload every book not uploaded before, and (with --deletions)
delete the cloud copies of books removed from the library.

With --watch the command keeps running and syncs again every
sync.poll_interval. Send SIGHUP, or run "tolino-sync trigger", to start a
cycle immediately.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("dry-run", false, "show what would change without changing anything")
	cmd.Flags().Bool("watch", false, "keep running and sync every poll interval")
	cmd.Flags().Bool("deletions", false, "delete cloud copies of books removed from the library")
	cmd.Flags().Bool("no-covers", false, "do not upload cover images")
	cmd.Flags().Bool("force", false, "override the big-delete safety threshold")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	release, err := acquireSyncLock(config.LockPath(cfg.Sync.StateFile))
	if err != nil {
		return err
	}
	defer release()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	engine, store, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := sync.RunOpts{
		DryRun:    cfg.Sync.DryRun,
		Force:     force,
		Deletions: cfg.Sync.EnableDeletions,
	}

	if watch {
		return engine.RunWatch(ctx, sync.WatchOpts{
			RunOpts:      opts,
			PollInterval: cfg.Sync.PollIntervalDuration(),
			Trigger:      sighupTrigger(ctx, cc.Logger),
			OnCycle: func(r *sync.Report, err error) {
				if err != nil {
					return
				}

				if perr := printSyncReport(cc, r); perr != nil {
					cc.Logger.Warn("printing sync report", slog.String("error", perr.Error()))
				}
			},
		})
	}

	report, err := engine.RunOnce(ctx, opts)
	if err != nil {
		if errors.Is(err, sync.ErrBigDeleteTriggered) {
			return fmt.Errorf("%w\nre-run with --force if the deletions are intended", err)
		}

		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync interrupted: %w", err)
		}

		return err
	}

	if err := printSyncReport(cc, report); err != nil {
		return err
	}

	if report.Stats.Errors > 0 {
		return errSyncIncomplete
	}

	return nil
}

// syncSummary is the --json form of a sync report.
type syncSummary struct {
	DryRun         bool     `json:"dry_run"`
	DurationMS     int64    `json:"duration_ms"`
	PlannedUploads int      `json:"planned_uploads"`
	PlannedDeletes int      `json:"planned_deletes"`
	Uploaded       int      `json:"uploaded"`
	Deleted        int      `json:"deleted"`
	Dropped        int      `json:"dropped"`
	CoversUploaded int      `json:"covers_uploaded"`
	Skipped        int      `json:"skipped"`
	Errors         int      `json:"errors"`
	Warnings       []string `json:"warnings,omitempty"`
}

func summarize(r *sync.Report) syncSummary {
	s := syncSummary{
		DryRun:         r.DryRun,
		DurationMS:     r.Duration.Milliseconds(),
		Uploaded:       r.Stats.Uploaded,
		Deleted:        r.Stats.Deleted,
		Dropped:        r.Stats.Dropped,
		CoversUploaded: r.Stats.CoversUploaded,
		Skipped:        r.Stats.Skipped,
		Errors:         r.Stats.Errors,
	}

	if r.Plan != nil {
		s.PlannedUploads = len(r.Plan.Uploads)
		s.PlannedDeletes = len(r.Plan.Deletes)
		s.Warnings = r.Plan.Warnings

		if r.DryRun {
			s.Dropped = len(r.Plan.Dropped)
		}
	}

	return s
}

func printSyncReport(cc *CLIContext, r *sync.Report) error {
	s := summarize(r)

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(s)
	}

	if s.DryRun {
		cc.Statusf("Dry run: would upload %d, delete %d, forget %d mapping(s)\n",
			s.PlannedUploads, s.PlannedDeletes, s.Dropped)

		return nil
	}

	cc.Statusf("Uploaded %d, deleted %d, forgot %d, %d cover(s) in %s\n",
		s.Uploaded, s.Deleted, s.Dropped, s.CoversUploaded, r.Duration.Round(time.Millisecond))

	if s.Skipped > 0 {
		cc.Statusf("Skipped %d book(s) with no preferred format\n", s.Skipped)
	}

	if s.Errors > 0 {
		fmt.Fprintf(os.Stderr, "%d book(s) failed, see the log for details\n", s.Errors)
	}

	return nil
}
