package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

func loggerFromViper(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(viper.GetString("logging.level"))}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(viper.GetString("logging.format"))) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
