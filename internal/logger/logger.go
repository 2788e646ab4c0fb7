// Package logger provides the shared logrus constructor.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	if os.Getenv("WHISPERWIRE_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
