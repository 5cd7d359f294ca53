package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Bioinfo sensors",
	Long: `Scan for nearby Bluetooth Low Energy devices and list each one once,
in discovery order. Use --name to list only devices advertising that name,
--allow to list only the given addresses and --block to hide addresses.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanName     string
	scanFormat   string
	scanAllow    []string
	scanBlock    []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only list devices advertising this name")
	scanCmd.Flags().StringSliceVar(&scanAllow, "allow", nil, "Only list these device addresses (repeatable or comma-separated)")
	scanCmd.Flags().StringSliceVar(&scanBlock, "block", nil, "Never list these device addresses (repeatable or comma-separated)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", formatTable, "Output format (table, json)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(scanFormat); err != nil {
		return err
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	// arguments are valid, runtime errors should not print usage
	cmd.SilenceUsage = true

	opts := &scanner.ScanOptions{
		Duration:   a.cfg.Scan.Timeout,
		NameFilter: a.cfg.Scan.NameFilter,
		AllowList:  scanAllow,
		BlockList:  scanBlock,
	}
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	if cmd.Flags().Changed("name") {
		opts.NameFilter = scanName
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := scanner.NewScanner(newRadio(a.logger), a.logger, opts)
	if err := s.StartScan(ctx); err != nil {
		return err
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.Duration)
	progress.Start()
	<-s.Done()
	progress.Stop()

	// Ctrl+C ends the scan early; the devices found so far are still listed
	return displayDevices(cmd.OutOrStdout(), s.Devices().Get(), scanFormat)
}

type deviceJSON struct {
	Name    *string `json:"name"`
	Address string  `json:"address"`
}

func displayDevices(w io.Writer, devices []model.BleDevice, format string) error {
	if format == formatJSON {
		out := make([]deviceJSON, len(devices))
		for i, d := range devices {
			out[i] = deviceJSON{Name: d.Name, Address: d.Address}
		}
		return writeJSON(w, out)
	}

	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices found.")
		return err
	}

	tw := newTable(w)
	_, _ = headerColor.Fprintln(tw, "#\tNAME\tADDRESS")
	for i, d := range devices {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, d.DisplayName(), d.Address)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d device(s) found.\n", len(devices))
	return err
}
