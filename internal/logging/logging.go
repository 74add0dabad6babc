package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process wide structured logger. Subsystems derive their own
// entry with WithField("service", ...).
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.JSONFormatter{})
	Logger.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global log level from its config string, falling back
// to info on garbage input.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}
