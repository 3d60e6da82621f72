// Package obslog provides the hub's structured logging setup: a single
// logrus logger with error-level records routed to stderr and everything
// else to stdout, so container log collectors can treat the two streams
// differently without parsing message content.
package obslog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter routes formatted logrus output to stdout or stderr
// based on the record's level.
type streamSplitter struct{}

func (streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the hub-wide logger. Components should call Logger.WithField
// or WithFields rather than constructing their own logrus instance, so
// log output stays uniformly routed and formatted.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(streamSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetJSON switches the logger to JSON output, for production deployments
// where logs are shipped to an aggregator.
func SetJSON() {
	Logger.SetFormatter(&logrus.JSONFormatter{})
}

// SetLevel parses level (e.g. "debug", "info", "warn", "error") and
// applies it, falling back to Info on a bad value.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)
}

// Component returns a logger entry tagged with the given component name,
// e.g. obslog.Component("observation-store").
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
