package vrift

import (
	"log/slog"
	"os"
)

// LevelTrace sits below slog's debug level; the client layer logs host-filesystem
// fallthroughs there so they can be enabled without drowning debug output.
const LevelTrace = slog.Level(-8)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a TextHandler and
// configures the log level from the VRIFT_LOG_LEVEL environment variable
// (error|warn|info|debug|trace). It defaults to Info level if not specified.
//
// This function should be called by the daemon and CLI at startup; library
// consumers may install their own slog default instead.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)

	switch os.Getenv("VRIFT_LOG_LEVEL") {
	case "trace":
		logLevel.Set(LevelTrace)
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the logging level for the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
