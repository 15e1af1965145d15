package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents standard logging levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LoggerConfig contains configuration for creating a logger
type LoggerConfig struct {
	Level      LogLevel // Minimum log level
	Format     string   // "json" or "text"
	Service    string   // Service name added to every entry
	AddCaller  bool     // Add caller information
	TimeFormat string   // Time format for logs
}

// DefaultLoggerConfig returns a logger config with sensible defaults
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		Service:    "",
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new configured logger instance
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)

	return logger
}

// ServiceLogger creates a logger entry pre-configured with service metadata.
// Components receive this entry in their constructors.
func ServiceLogger(logger *logrus.Logger, serviceName string) *logrus.Entry {
	return logger.WithField("service", serviceName)
}
