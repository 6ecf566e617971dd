package pagesmith

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the service logger. level is a logrus level name
// ("debug", "info", ...); an empty or unparseable value means info.
// When file is non-empty, output goes to both stdout and the file.
func NewLogger(level, file string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Warn("failed to open log file, using stdout only")
		} else {
			logger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}
	return logger
}
