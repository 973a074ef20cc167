// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// level is shared by every logger created by New so that it can be changed
// at runtime with SetLevel
var level = new(slog.LevelVar)

func New(lvl, format string, w io.Writer) *slog.Logger {
	level.Set(parseLogLevel(lvl))
	return slog.New(handlerForFormat(format, w))
}

func LogLevel() slog.Level {
	return level.Level()
}

// SetLevel changes the level of all loggers created by New
func SetLevel(lvl string) {
	level.Set(parseLogLevel(lvl))
}

func handlerForFormat(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: trimSource,
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		panic(fmt.Sprintf("invalid format: %s", format))
	}
}

// trimSource keeps the last two directories and the file name of the source
func trimSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}

	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 2 {
		src.File = filepath.Join(parts[len(parts)-3:]...)
	} else if len(parts) > 0 {
		src.File = filepath.Join(parts...)
	}
	return a
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
