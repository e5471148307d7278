// Package fuertelog bridges logrus into the small logging surface the
// connection substrate needs, mirroring the teacher's pkg/logging bridge
// interface.
package fuertelog

import "github.com/sirupsen/logrus"

// Logger is the logging interface accepted by every component in this
// module. *logrus.Logger and *logrus.Entry both satisfy it.
type Logger interface {
	logrus.FieldLogger
}

// Default returns a *logrus.Logger configured the way main.go configures the
// top-level CLI logger: text output, info level, to stderr.
func Default() Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	return log
}

// Component returns a child logger tagged with a "component" field, the
// convention used throughout the teacher's scheduling package
// (log.WithField("component", "openai-recorder")).
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
