// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger holds the process-wide structured logger.
//
// Every package logs through Logger (or a child from Component) so a single
// Configure call controls level and destination for the whole binary.
package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Logger is the global logger instance.
var Logger *log.Logger

var (
	mu      sync.Mutex
	logFile *os.File
)

func init() {
	Logger = newLogger(os.Stderr, log.InfoLevel)
}

func newLogger(w io.Writer, level log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           level,
	})
	return l
}

// Configure sets level and output. An empty level falls back to
// CHATERP_LOG_LEVEL and then "info". A non-empty file path appends to that
// file instead of stderr.
func Configure(level, file string) error {
	if level == "" {
		level = os.Getenv("CHATERP_LOG_LEVEL")
	}

	var out io.Writer = os.Stderr
	var f *os.File
	if file != "" {
		var err error
		f, err = os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	Logger = newLogger(out, ParseLevel(level))
	return nil
}

// SetOutput redirects the global logger. Tests use it to capture or
// silence output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	Logger.SetOutput(w)
}

// ParseLevel maps a level name to a log.Level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Component returns a child logger whose lines carry the given prefix.
func Component(name string) *log.Logger {
	l := Logger.WithPrefix(name)
	styles := log.DefaultStyles()
	styles.Prefix = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	l.SetStyles(styles)
	return l
}

// Std adapts a charm logger to the standard library *log.Logger used by
// net/http.
func Std(l *log.Logger) *stdlog.Logger {
	if l == nil {
		l = Logger
	}
	return l.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel})
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg interface{}, keyvals ...interface{}) {
	Logger.Debug(msg, keyvals...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg interface{}, keyvals ...interface{}) {
	Logger.Info(msg, keyvals...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg interface{}, keyvals ...interface{}) {
	Logger.Warn(msg, keyvals...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg interface{}, keyvals ...interface{}) {
	Logger.Error(msg, keyvals...)
}
