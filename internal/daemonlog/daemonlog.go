// Package daemonlog sets up ptyd's structured logger: redirect output
// to a file so a daemon that inherits a terminal fd never writes over
// it, built on logrus's TextFormatter rather than stdlib log.
package daemonlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to logPath (created if necessary). An
// empty logPath falls back to a per-pid file under os.TempDir. level
// parses as a logrus level name ("debug", "info", "warn", ...); an
// empty or invalid value defaults to Info.
func New(logPath, level string) (*logrus.Entry, error) {
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), fmt.Sprintf("ptyd-%d.log", os.Getpid()))
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemonlog: open %s: %w", logPath, err)
	}

	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return l.WithField("component", "ptyd"), nil
}
