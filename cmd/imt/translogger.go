package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// transformLogger wraps a logging function for a single transform run,
// the same shape as cmd/bd's daemon logger.
type transformLogger struct {
	logFunc func(string, ...interface{})
}

func (t *transformLogger) log(format string, args ...interface{}) {
	t.logFunc(format, args...)
}

// setupTransformLogger creates a rotating log file logger for a transform
// run. Unlike the daemon's long-lived process log, a transform's log
// lives for one invocation, but the rotation knobs matter just as much
// when re-running a large transform repeatedly against the same state
// directory.
func setupTransformLogger(logPath string) (*lumberjack.Logger, transformLogger) {
	maxSizeMB := getEnvInt("IMT_LOG_MAX_SIZE", 50)
	maxBackups := getEnvInt("IMT_LOG_MAX_BACKUPS", 5)
	maxAgeDays := getEnvInt("IMT_LOG_MAX_AGE", 14)
	compress := getEnvBool("IMT_LOG_COMPRESS", true)

	logF := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}

	logger := transformLogger{
		logFunc: func(format string, args ...interface{}) {
			msg := fmt.Sprintf(format, args...)
			timestamp := time.Now().Format("2006-01-02 15:04:05")
			_, _ = fmt.Fprintf(logF, "[%s] %s\n", timestamp, msg)
		},
	}

	return logF, logger
}

// getEnvInt reads an integer from an environment variable with a default
// value.
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool reads a boolean from an environment variable with a default
// value.
func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultValue
}
