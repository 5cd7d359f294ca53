package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bioinfo/internal/device"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/session"
	"github.com/srg/bioinfo/internal/syncer"
	"golang.org/x/sync/errgroup"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record <address>",
	Short: "Record a session from a sensor",
	Long: `Connect to the sensor at <address>, create a session and store one sample
every sampling interval until Ctrl+C is pressed or the sensor disconnects.

The session is created on the server when it is reachable and locally
otherwise. Pending sessions and samples are uploaded in the background while
recording, and once more after the recording stops.`,
	Example: `  bioinfo record AA:BB:CC:DD:EE:FF --title "Park walk"
  bioinfo record AA:BB:CC:DD:EE:FF --interval 10s --no-sync`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

var (
	recordTitle       string
	recordDescription string
	recordDeviceName  string
	recordInterval    time.Duration
	recordNoSync      bool
)

func init() {
	recordCmd.Flags().StringVarP(&recordTitle, "title", "t", "", "Session title (default: start time)")
	recordCmd.Flags().StringVar(&recordDescription, "description", "", "Session description")
	recordCmd.Flags().StringVar(&recordDeviceName, "device-name", "Bioinfo", "Device name stored with the session")
	recordCmd.Flags().DurationVarP(&recordInterval, "interval", "i", 0, "Sampling interval (default from config)")
	recordCmd.Flags().BoolVar(&recordNoSync, "no-sync", false, "Do not upload while or after recording")
}

func runRecord(cmd *cobra.Command, args []string) error {
	address := strings.TrimSpace(args[0])
	if address == "" {
		return fmt.Errorf("device address is empty")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.HasUser() {
		return ErrUserNotConfigured
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deviceName *string
	if recordDeviceName != "" {
		deviceName = &recordDeviceName
	}
	sensor := model.BleDevice{Name: deviceName, Address: address}

	mgr := device.NewConnectionManager(newRadio(a.logger), a.logger, a.connectOptions())
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+address, "Connecting")
	progress.Start()
	connected := mgr.Connect(ctx, sensor)
	progress.Stop()
	if !connected {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w at %s", ErrConnectFailed, address)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Device.ConnectTimeout)
		defer cancel()
		if err := mgr.Disconnect(dctx); err != nil {
			a.logger.WithError(err).Debug("Disconnect after recording failed")
		}
	}()

	loc, closeLoc := a.location(ctx)
	defer closeLoc()

	interval := a.cfg.Session.SampleInterval
	if recordInterval > 0 {
		interval = recordInterval
	}

	ctrl := session.NewController(session.Deps{
		Store:    a.store,
		Gateway:  a.gateway(),
		Tokens:   a.tokens(ctx),
		Sensor:   mgr,
		Location: loc,
	}, a.logger, &session.Options{SampleInterval: interval})

	title := recordTitle
	if title == "" {
		title = "Session " + time.Now().Format(timeLayout)
	}
	var description *string
	if recordDescription != "" {
		description = &recordDescription
	}

	sess, err := ctrl.Create(ctx, a.cfg.User, deviceName, title, description)
	if err != nil {
		return err
	}
	printSessionStarted(out, sess, interval)

	if err := ctrl.Start(ctx, sess); err != nil {
		return err
	}

	if err := a.runRecording(ctx, ctrl); err != nil {
		return err
	}

	final := ctrl.Current().Get()
	if final == nil {
		final = sess
	}
	entries, err := a.store.GetDataEntriesBySession(context.WithoutCancel(ctx), &final.LocalID, nil)
	if err != nil {
		return err
	}
	printSessionStopped(out, final, ctrl.StopReason(), len(entries))

	if recordNoSync {
		return nil
	}

	// Ctrl+C already ended the recording; the final upload runs regardless
	finalCtx := context.WithoutCancel(ctx)
	report, err := a.engine(finalCtx).SyncAll(finalCtx)
	printSyncReport(out, report, err)
	return nil
}

// runRecording waits for the recording to end while the background syncer
// runs, then stops both.
func (a *app) runRecording(ctx context.Context, ctrl *session.Controller) error {
	g, gctx := errgroup.WithContext(ctx)
	syncCtx, cancelSync := context.WithCancel(gctx)

	if !recordNoSync {
		auto := syncer.NewAutoSync(a.engine(ctx), a.logger, &syncer.AutoSyncOptions{
			Interval:   a.cfg.Sync.Interval,
			MaxBackoff: a.cfg.Sync.MaxBackoff,
		})
		auto.Trigger()
		g.Go(func() error { return auto.Run(syncCtx) })
	}

	g.Go(func() error {
		defer cancelSync()
		<-ctrl.Done()
		return ctrl.Stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func printSessionStarted(w io.Writer, sess *model.Session, interval time.Duration) {
	where := syncedColor.Sprintf("server id %d", derefID(sess.ServerID))
	if sess.ServerID == nil {
		where = pendingColor.Sprint("offline, will upload later")
	}
	_, _ = fmt.Fprintf(w, "Recording session %d %q (%s), sampling every %s. Press Ctrl+C to stop.\n",
		sess.LocalID, sess.Title, where, interval)
}

func printSessionStopped(w io.Writer, sess *model.Session, reason session.StopReason, entries int) {
	switch reason {
	case session.StoppedByDisconnect:
		_, _ = failedColor.Fprintln(w, "Sensor disconnected, session ended.")
	default:
		_, _ = fmt.Fprintln(w, "Recording stopped.")
	}
	_, _ = fmt.Fprintf(w, "Session %d: %d sample(s), %s to %s.\n",
		sess.LocalID, entries, formatMillis(sess.StartTimestamp), formatOptMillis(sess.EndTimestamp))
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// logFields is shared by commands that log a session.
func logFields(sess *model.Session) logrus.Fields {
	return logrus.Fields{
		"session_local_id":  sess.LocalID,
		"remote_session_id": sess.ServerID,
	}
}
