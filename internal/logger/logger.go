// Package logger owns the process-wide structured logger for the digest
// commands. The jobs run unattended from cron, so everything is a single
// text stream on stdout for cron/systemd to capture; DEBUG=true widens the
// level for ad-hoc troubleshooting runs.
package logger

import (
	"log/slog"
	"os"
)

var log = slog.Default()

// Init builds the logger and installs it as the slog default, so library
// packages logging via slog land in the same stream as the cmd-level
// helpers below. Call it first thing in main.
func Init() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}

	log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
}

func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	log.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}
