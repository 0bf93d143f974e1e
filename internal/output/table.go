package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/anvil/internal/vm"
)

// TableFormatter formats summaries as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatSummary formats a run summary as a single table row.
func (f *TableFormatter) FormatSummary(s *vm.Summary) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tPHASE\tPID\tSSH\tKERNEL\tDISK\tSEED\tELAPSED")
	}

	pid := "-"
	if s.PID > 0 {
		pid = fmt.Sprintf("%d", s.PID)
	}
	kernel := s.KernelVersion
	if kernel == "" {
		kernel = "-"
	}

	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		s.Name, s.Phase, pid, s.SSHAddress, kernel,
		created(s.DiskCreated), created(s.SeedCreated), formatElapsed(s.Elapsed))

	_ = w.Flush()
	return buf.String(), nil
}

func created(c bool) string {
	if c {
		return "created"
	}
	return "reused"
}

// formatElapsed formats a run duration compactly.
// Examples: "800ms", "42s", "3m05s", "1h02m"
func formatElapsed(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm%02ds", minutes, seconds%60)
	}

	return fmt.Sprintf("%dh%02dm", minutes/60, minutes%60)
}
