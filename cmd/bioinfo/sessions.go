package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/bioinfo/internal/model"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Browse and edit locally stored sessions",
	Long: `Browse and edit locally stored sessions. Session ids are local ids unless
--remote is given, in which case they are server ids.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsEntriesCmd = &cobra.Command{
	Use:   "entries <id>",
	Short: "List the samples of a session",
	Long: `List the samples of a session in time order. With --follow the list is
printed again whenever samples are added, until Ctrl+C is pressed.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsEntries,
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Change the title of a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsRename,
}

var sessionsDescribeCmd = &cobra.Command{
	Use:   "describe <id> <description>",
	Short: "Change the description of a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsDescribe,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its samples from this machine",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every local session and sample",
	Args:  cobra.NoArgs,
	RunE:  runSessionsClear,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show how many sessions and samples wait for upload",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var (
	sessionsFormat string
	sessionsRemote bool
	entriesFollow  bool
	clearYes       bool
)

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsRemote, "remote", false, "Treat session ids as server ids")
	sessionsListCmd.Flags().StringVarP(&sessionsFormat, "format", "f", formatTable, "Output format (table, json)")
	sessionsEntriesCmd.Flags().StringVarP(&sessionsFormat, "format", "f", formatTable, "Output format (table, json)")
	sessionsEntriesCmd.Flags().BoolVarP(&entriesFollow, "follow", "F", false, "Keep printing as samples arrive")
	sessionsClearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "Confirm deleting everything")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsEntriesCmd,
		sessionsRenameCmd, sessionsDescribeCmd, sessionsDeleteCmd, sessionsClearCmd)
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(sessionsFormat); err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	sessions, err := a.store.GetAllSessions(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if sessionsFormat == formatJSON {
		return writeJSON(w, sessionsJSON(sessions))
	}
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions.")
		return err
	}

	tw := newTable(w)
	_, _ = headerColor.Fprintln(tw, "ID\tSERVER ID\tTITLE\tSTARTED\tENDED\tSTATUS")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.LocalID, formatOptID(s.ServerID), s.Title,
			formatMillis(s.StartTimestamp), formatOptMillis(s.EndTimestamp), formatPending(s.PendingUpload))
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	sess, err := a.resolveSession(ctx, args[0], sessionsRemote)
	if err != nil {
		return err
	}
	entries, err := a.store.GetDataEntriesBySession(ctx, &sess.LocalID, sess.ServerID)
	if err != nil {
		return err
	}
	latest, err := a.store.GetLatestDataEntryBySession(ctx, &sess.LocalID, sess.ServerID)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	tw := newTable(w)
	rows := [][2]string{
		{"Local id", fmt.Sprint(sess.LocalID)},
		{"Server id", formatOptID(sess.ServerID)},
		{"Title", sess.Title},
		{"Description", formatOptString(sess.Description)},
		{"User", sess.UserID},
		{"Group", formatOptString(sess.GroupName)},
		{"Class", sess.ClassName},
		{"School", sess.SchoolName},
		{"Device", formatOptString(sess.DeviceName)},
		{"Started", formatMillis(sess.StartTimestamp)},
		{"Ended", formatOptMillis(sess.EndTimestamp)},
		{"Status", formatPending(sess.PendingUpload)},
		{"Samples", fmt.Sprint(len(entries))},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if latest != nil {
		_, _ = fmt.Fprintln(w, "\nLatest sample:")
		return printEntries(w, []model.DataEntry{*latest})
	}
	return nil
}

func runSessionsEntries(cmd *cobra.Command, args []string) error {
	if err := validateFormat(sessionsFormat); err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	sess, err := a.resolveSession(ctx, args[0], sessionsRemote)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	render := func(entries []model.DataEntry) error {
		if sessionsFormat == formatJSON {
			return writeJSON(w, entriesJSON(entries))
		}
		return printEntries(w, entries)
	}

	if !entriesFollow {
		entries, err := a.store.GetDataEntriesBySession(ctx, &sess.LocalID, sess.ServerID)
		if err != nil {
			return err
		}
		return render(entries)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followEntries(ctx, a, sess, render)
}

// followEntries prints the session's entries every time they change.
func followEntries(ctx context.Context, a *app, sess *model.Session, render func([]model.DataEntry) error) error {
	for entries := range a.store.WatchDataEntriesBySession(ctx, &sess.LocalID, sess.ServerID) {
		if err := render(entries); err != nil {
			return err
		}
	}
	return nil
}

func printEntries(w io.Writer, entries []model.DataEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No samples.")
		return err
	}

	tw := newTable(w)
	_, _ = headerColor.Fprintln(tw, "ID\tTIME\tLAT\tLON\tCO\tPM2.5\tTEMP\tHUMIDITY\tSTATUS")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", e.LocalID, formatMillis(e.Timestamp),
			formatOptFloat(e.Latitude, 5), formatOptFloat(e.Longitude, 5),
			formatOptFloat(e.COLevel, 2), formatOptFloat(e.PM25Level, 1),
			formatOptFloat(e.Temperature, 1), formatOptFloat(e.Humidity, 1),
			formatPending(e.PendingUpload))
	}
	return tw.Flush()
}

func runSessionsRename(cmd *cobra.Command, args []string) error {
	return patchSession(cmd, args[0], model.SessionPatch{Title: &args[1]})
}

func runSessionsDescribe(cmd *cobra.Command, args []string) error {
	return patchSession(cmd, args[0], model.SessionPatch{Description: &args[1]})
}

// patchSession edits a session locally and marks it for upload.
func patchSession(cmd *cobra.Command, arg string, patch model.SessionPatch) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	sess, err := a.resolveSession(ctx, arg, sessionsRemote)
	if err != nil {
		return err
	}
	if _, err := a.store.PatchSession(ctx, sess.LocalID, patch); err != nil {
		return err
	}
	a.logger.WithFields(logFields(sess)).Info("Session updated")

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Session %d updated, will upload on next sync.\n", sess.LocalID)
	return err
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	sess, err := a.resolveSession(ctx, args[0], sessionsRemote)
	if err != nil {
		return err
	}
	if err := a.store.DeleteSession(ctx, sess.LocalID); err != nil {
		return err
	}
	a.logger.WithFields(logFields(sess)).Info("Session deleted")

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Session %d deleted.\n", sess.LocalID)
	return err
}

func runSessionsClear(cmd *cobra.Command, _ []string) error {
	if !clearYes {
		return fmt.Errorf("%w: pass --yes to delete every local session", ErrConfirmation)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	if err := a.store.DeleteAllSessions(cmd.Context()); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "All local sessions deleted.")
	return err
}

func runPending(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	sessions, err := a.store.PendingSessionCount(ctx)
	if err != nil {
		return err
	}
	entries, err := a.store.PendingDataEntryCount(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Pending sessions: %d\nPending samples:  %d\n", sessions, entries)
	return err
}

type sessionJSON struct {
	ID             int64   `json:"id"`
	ServerID       *int64  `json:"server_id"`
	Title          string  `json:"title"`
	Description    *string `json:"description"`
	UserID         string  `json:"user_id"`
	GroupName      *string `json:"group_name"`
	ClassName      string  `json:"class_name"`
	SchoolName     string  `json:"school_name"`
	DeviceName     *string `json:"device_name"`
	StartTimestamp int64   `json:"start_timestamp"`
	EndTimestamp   *int64  `json:"end_timestamp"`
	PendingUpload  bool    `json:"pending_upload"`
}

func sessionsJSON(sessions []model.Session) []sessionJSON {
	out := make([]sessionJSON, len(sessions))
	for i, s := range sessions {
		out[i] = sessionJSON{
			ID:             s.LocalID,
			ServerID:       s.ServerID,
			Title:          s.Title,
			Description:    s.Description,
			UserID:         s.UserID,
			GroupName:      s.GroupName,
			ClassName:      s.ClassName,
			SchoolName:     s.SchoolName,
			DeviceName:     s.DeviceName,
			StartTimestamp: s.StartTimestamp,
			EndTimestamp:   s.EndTimestamp,
			PendingUpload:  s.PendingUpload,
		}
	}
	return out
}

type entryJSON struct {
	ID            int64    `json:"id"`
	ServerID      *int64   `json:"server_id"`
	Timestamp     int64    `json:"timestamp"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	COLevel       *float32 `json:"co_level"`
	PM25Level     *float32 `json:"pm2_5_level"`
	Temperature   *float32 `json:"temperature"`
	Humidity      *float32 `json:"humidity"`
	PendingUpload bool     `json:"pending_upload"`
}

func entriesJSON(entries []model.DataEntry) []entryJSON {
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{
			ID:            e.LocalID,
			ServerID:      e.ServerID,
			Timestamp:     e.Timestamp,
			Latitude:      e.Latitude,
			Longitude:     e.Longitude,
			COLevel:       e.COLevel,
			PM25Level:     e.PM25Level,
			Temperature:   e.Temperature,
			Humidity:      e.Humidity,
			PendingUpload: e.PendingUpload,
		}
	}
	return out
}
