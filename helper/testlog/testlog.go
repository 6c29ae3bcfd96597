// Package testlog creates hclog loggers backed by testing.T to ease
// logging in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer that logs through t.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns an hclog.Logger that writes through t. Verbosity is
// controlled by SPIDER_TEST_LOG_LEVEL.
func HCLogger(t LogPrinter) hclog.Logger {
	level := hclog.Trace
	if v := os.Getenv("SPIDER_TEST_LOG_LEVEL"); v != "" {
		level = hclog.LevelFromString(v)
	}
	return hclog.New(&hclog.LoggerOptions{
		Level:  level,
		Output: NewWriter(t),
	})
}
