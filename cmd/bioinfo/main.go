package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/bioinfo/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bioinfo",
	Short: "Air quality field recorder",
	Long: `Field recorder for the Bioinfo air quality sensor:

- Scan for nearby Bioinfo sensors
- Record timestamped sensor samples with location into local sessions
- Keep recording offline and upload sessions and samples when the server is reachable
- Browse, rename and delete locally stored sessions`,
	Version: formatVersion(version),
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		configureColor(noColor)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("bioinfo {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(pendingCmd)

	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable coloured output")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
