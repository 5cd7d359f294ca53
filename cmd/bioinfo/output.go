package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	formatTable = "table"
	formatJSON  = "json"

	timeLayout = "2006-01-02 15:04:05"
)

var (
	headerColor  = color.New(color.Bold)
	pendingColor = color.New(color.FgYellow)
	syncedColor  = color.New(color.FgGreen)
	failedColor  = color.New(color.FgRed)
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// configureColor turns colour off unless stdout is a terminal.
func configureColor(noColor bool) {
	color.NoColor = noColor || !isTerminal(os.Stdout)
}

func validateFormat(format string) error {
	if format != formatTable && format != formatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, formatTable, formatJSON)
	}
	return nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(timeLayout)
}

func formatOptMillis(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return formatMillis(*ms)
}

func formatOptID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func formatOptString(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func formatOptFloat[T float32 | float64](v *T, prec int) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(float64(*v), 'f', prec, 64)
}

func formatPending(pending bool) string {
	if pending {
		return pendingColor.Sprint("pending")
	}
	return syncedColor.Sprint("synced")
}
