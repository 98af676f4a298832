// Package portolog is the daemon's single logging entry point, a thin
// wrapper over logrus the way oceanweave/my-docker's cmd package
// configures its own top-level logger, adapted to tag every entry with
// the container path and operation name a reactor-driven daemon needs
// to make its logs greppable by container.
package portolog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the base logger's verbosity, wired to cmd/portod's
// --debug flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// SetOutput redirects where log entries are written, used by tests and
// by the master process routing worker-crash reports to its own stream.
func SetOutput(w *os.File) {
	base.SetOutput(w)
}

// For returns a logger tagged with the component name that is emitting
// the entry (e.g. "supervisor", "reactor", "cgroup").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// ForContainer returns a logger tagged with the container path an
// operation is acting on, in addition to the component name.
func ForContainer(component, path string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": component,
		"container": path,
	})
}

// Op narrows an existing entry to a single named operation, mirroring
// the op=<name> field every wire.Request handler attaches before it
// does anything else.
func Op(entry *logrus.Entry, op string) *logrus.Entry {
	return entry.WithField("op", op)
}
