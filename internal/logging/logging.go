// Package logging builds the logrus logger used by anvil and renders its
// records in a terse status-line format suited to a terminal.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// phaseKey marks an entry as a phase banner.
const phaseKey = "phase"

// Options controls logger construction.
type Options struct {
	Verbose bool // Enable debug records
	NoColor bool // Disable ANSI colors
	JSON    bool // Emit JSON records instead of status lines
}

// New constructs a logger writing to w.
func New(w io.Writer, opts Options) *logrus.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}

	logger := logrus.New()
	logger.SetOutput(w)
	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(NewStatusFormatter(opts.NoColor))
	}
	logger.SetLevel(logrus.InfoLevel)
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// Discard returns a logger that drops everything. Used where a caller does
// not supply one.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Ensure returns the provided logger or a discarding one if nil.
func Ensure(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// Phase logs a banner announcing the start of an orchestration phase.
func Phase(logger logrus.FieldLogger, name string) {
	logger.WithField(phaseKey, name).Info(name)
}

// StatusFormatter renders "[15:04:05] LEVEL message key=value" lines.
type StatusFormatter struct {
	TimestampFormat string

	banner *color.Color
	levels map[logrus.Level]*color.Color
	keys   *color.Color
}

// NewStatusFormatter returns a formatter, optionally without colors.
func NewStatusFormatter(noColor bool) *StatusFormatter {
	f := &StatusFormatter{
		TimestampFormat: "15:04:05",
		banner:          color.New(color.FgCyan, color.Bold),
		keys:            color.New(color.Faint),
		levels: map[logrus.Level]*color.Color{
			logrus.TraceLevel: color.New(color.FgWhite),
			logrus.DebugLevel: color.New(color.FgWhite),
			logrus.InfoLevel:  color.New(color.FgGreen),
			logrus.WarnLevel:  color.New(color.FgYellow),
			logrus.ErrorLevel: color.New(color.FgRed),
			logrus.FatalLevel: color.New(color.FgRed, color.Bold),
			logrus.PanicLevel: color.New(color.FgRed, color.Bold),
		},
	}

	all := []*color.Color{f.banner, f.keys}
	for _, c := range f.levels {
		all = append(all, c)
	}
	for _, c := range all {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return f
}

// Format implements logrus.Formatter.
func (f *StatusFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "[%s] ", ts.Format(f.TimestampFormat))

	if _, ok := entry.Data[phaseKey]; ok {
		b.WriteString(f.banner.Sprintf("==> %s", entry.Message))
		b.WriteByte('\n')
		return b.Bytes(), nil
	}

	label := fmt.Sprintf("%-5s", strings.ToUpper(levelName(entry.Level)))
	if c, ok := f.levels[entry.Level]; ok {
		label = c.Sprint(label)
	}
	b.WriteString(label)
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(f.keys.Sprint(k + "="))
		b.WriteString(formatValue(entry.Data[k]))
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelName(level logrus.Level) string {
	if level == logrus.WarnLevel {
		return "warn"
	}
	return level.String()
}

func formatValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case error:
		s = val.Error()
	case string:
		s = val
	case time.Duration:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	if strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
