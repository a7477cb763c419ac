// Package logging configures logrus for the service.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Init configures the standard logrus logger.  Development environments get
// the text formatter, everything else JSON.
func Init(env, level string) *logrus.Logger {
	return configure(logrus.StandardLogger(), os.Stdout, env, level)
}

func configure(l *logrus.Logger, out io.Writer, env, level string) *logrus.Logger {
	l.SetOutput(out)
	if env == "dev" || env == "local" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
