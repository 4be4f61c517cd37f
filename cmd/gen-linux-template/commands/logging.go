package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logSink *os.File

// setupLogging installs the default slog logger. Logs go to stderr so that
// stdout carries only command output.
func setupLogging(level, format, file string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level: %s", level)
	}

	var w io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logSink = f
		w = io.MultiWriter(os.Stderr, f)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format: %s (valid formats: text, json)", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func closeLogging() {
	if logSink != nil {
		logSink.Close()
		logSink = nil
	}
}
