// Package utils provides shared utility functions
package utils

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger *logrus.Logger

func init() {
	Logger = NewLogger("info", "stdout")
}

// RateLimiter throttles repeated warnings to at most one per interval
// per key, for the "rejected silently (rate-limited warning)" paths of
// the fusion core's failure semantics (measurement before global start,
// desynchronized IMU samples).
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewRateLimiter creates a limiter allowing one log line per key every
// interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether a warning for key should be emitted now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}

// WarnRateLimited logs a warning through logger at most once per
// interval for the given key.
func WarnRateLimited(logger *logrus.Logger, limiter *RateLimiter, key string, fields logrus.Fields, msg string) {
	if !limiter.Allow(key) {
		return
	}
	logger.WithFields(fields).Warn(msg)
}

// NewLogger creates a new configured logger
func NewLogger(level, output string) *logrus.Logger {
	logger := logrus.New()

	// Set log level
	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	// Set output
	if output == "stdout" {
		logger.SetOutput(os.Stdout)
	} else {
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logger.SetOutput(file)
		} else {
			logger.SetOutput(os.Stdout)
			logger.Warnf("Failed to open log file %s, using stdout", output)
		}
	}

	// JSON format for structured logging
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	return logger
}

// SetLogLevel changes the log level at runtime
func SetLogLevel(level string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "info":
		Logger.SetLevel(logrus.InfoLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	}
}
