package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/srg/bioinfo/internal/syncer"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload pending sessions and samples",
	Long: `Upload every locally pending session, then every pending sample grouped by
session. Items that fail stay pending and are retried by the next sync.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Uploading", "Syncing")
	progress.Start()
	report, err := a.engine(cmd.Context()).SyncAll(cmd.Context())
	progress.Stop()

	printSyncReport(cmd.OutOrStdout(), report, err)
	if errors.Is(err, syncer.ErrTokenUnavailable) {
		return err
	}
	return nil
}

func printSyncReport(w io.Writer, report *syncer.Report, err error) {
	if err != nil {
		_, _ = failedColor.Fprintf(w, "Sync aborted: %s\n", FormatUserError(err))
	}
	if report == nil {
		return
	}

	for _, s := range report.Sessions {
		if s.Err != nil {
			_, _ = failedColor.Fprintf(w, "  session %d: %v\n", s.LocalID, s.Err)
		}
	}
	for _, b := range report.Batches {
		if b.Err != nil {
			_, _ = failedColor.Fprintf(w, "  %d sample(s) of server session %d: %v\n", b.Entries, b.RemoteSessionID, b.Err)
		}
	}

	_, _ = fmt.Fprintf(w, "Synced %d of %d session(s), uploaded %d sample(s)",
		len(report.Sessions)-countFailedSessions(report), len(report.Sessions), report.Uploaded())
	if report.Skipped > 0 {
		_, _ = fmt.Fprintf(w, ", %d sample(s) waiting for their session", report.Skipped)
	}
	_, _ = fmt.Fprintln(w, ".")
}

func countFailedSessions(report *syncer.Report) int {
	n := 0
	for _, s := range report.Sessions {
		if s.Err != nil {
			n++
		}
	}
	return n
}
