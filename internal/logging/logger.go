package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// Init configures the shared logger.
// In production (ENVIRONMENT=production) it emits JSON for log aggregation,
// otherwise the human-readable text formatter. LOG_LEVEL overrides the level.
func Init(environment, level string) {
	base.SetOutput(os.Stdout)

	if strings.ToLower(environment) == "production" {
		base.SetFormatter(&logrus.JSONFormatter{})
		base.SetLevel(logrus.InfoLevel)
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.DebugLevel)
	}

	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			base.SetLevel(parsed)
		}
	}
}

// Component returns a logger tagged with the component name.
func Component(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// WithUser returns a logger scoped to a user within a component.
func WithUser(logger *logrus.Entry, userID string) *logrus.Entry {
	return logger.WithField("user_id", userID)
}
