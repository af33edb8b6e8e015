// Package obslog provides the structured logger shared across the
// orchestrator's services.
//
// Grounded on the teacher's common/logging.go: an OutputSplitter io.Writer
// that routes level=error lines to stderr and everything else to stdout, so
// container log collectors can treat the two streams differently. Unlike
// the teacher's package-level global, New constructs a logger per process
// so tests can build their own without fighting shared state.
package obslog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout by content.
type OutputSplitter struct{}

// Write implements io.Writer, matching on the literal "level=error" logrus
// emits for error-level entries regardless of formatter.
func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logrus.Logger with the OutputSplitter wired in and the given
// level applied. An unparseable level falls back to Info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(OutputSplitter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
