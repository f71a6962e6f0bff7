// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package logger provides the process-wide logrus logger shared by lzbt and
// lanzaboote-stub's host-side tooling, plus the CLI flag plumbing used to
// configure it.
package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the shared logger instance. Every package in this module logs
// through it rather than constructing its own logrus.Logger.
var Log = logrus.StandardLogger()

const (
	ColorFlagHelp = "Enable or disable color output. One of: always, auto, never."
	FileFlagHelp  = "Path to write logs to, in addition to stderr."
	LevelsHelp    = "Minimum level of log messages to write."
)

// LogFlags mirrors the logging CLI flags exposed by cmd/lzbt.
// Fields are pointers so that callers can distinguish "flag not set" from
// "flag set to the zero value".
type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

func Colors() []string {
	return []string{"always", "auto", "never"}
}

func Levels() []string {
	return []string{"panic", "fatal", "error", "warn", "info", "debug", "trace"}
}

// InitBestEffort configures Log from flags, falling back to sane defaults
// and logging (rather than failing) on any misconfiguration. It is named
// "best effort" because a logging setup error must never prevent the tool
// from running.
func InitBestEffort(flags *LogFlags) {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if flags == nil {
		return
	}

	if flags.LogLevel != nil && *flags.LogLevel != "" {
		level, err := logrus.ParseLevel(*flags.LogLevel)
		if err != nil {
			Log.Warnf("ignoring invalid --log-level %q: %v", *flags.LogLevel, err)
		} else {
			Log.SetLevel(level)
		}
	}

	if flags.LogColor != nil && *flags.LogColor != "" {
		switch strings.ToLower(*flags.LogColor) {
		case "always":
			Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
		case "never":
			Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		case "auto":
			// logrus default behaviour: color iff stderr is a terminal.
		default:
			Log.Warnf("ignoring invalid --log-color %q", *flags.LogColor)
		}
	}

	if flags.LogFile != nil && *flags.LogFile != "" {
		f, err := os.OpenFile(*flags.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			Log.Warnf("failed to open log file %q: %v", *flags.LogFile, err)
			return
		}
		Log.AddHook(&fileHook{file: f, formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}})
	}
}

// fileHook duplicates log entries into a file regardless of the primary
// output's formatter/color settings.
type fileHook struct {
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return fmt.Errorf("failed to format log entry for file hook:\n%w", err)
	}
	_, err = h.file.Write(line)
	return err
}
