package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Local env gets a console formatter, anything
// else emits JSON for log shipping.
func New(module string) *logrus.Entry {
	base := logrus.New()

	env := os.Getenv("APP_ENV")
	if env == "" || env == "dev" || env == "local" {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}
	base.SetOutput(os.Stdout)

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		base.SetLevel(logrus.DebugLevel)
	case "warn":
		base.SetLevel(logrus.WarnLevel)
	case "error":
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}

	return base.WithField("module", module)
}
