// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package logger exposes a shared logrus logger for all of the tool's
// packages, with optional file logging for the build log.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Log is the logger used by every package in this module.
var Log *logrus.Logger

// fileLogging records whether stderr output already goes through a hook
// because a log file is attached.
var fileLogging bool

const (
	LevelsFlag         = "log-level"
	LevelsHelp         = "Minimum log level to output."
	LevelsPlaceholder  = "(panic|fatal|error|warn|info|debug|trace)"
	FileFlag           = "log-file"
	FileFlagHelp       = "Full path of the file to write logs to."
	ColorFlag          = "log-color"
	ColorFlagHelp      = "Color setting for log output."
	ColorsPlaceholder  = "(always|auto|never)"
	defaultLogLevel    = logrus.InfoLevel
	fileLogLevel       = logrus.DebugLevel
	logFilePermissions = 0o644
)

const (
	colorAlways = "always"
	colorAuto   = "auto"
	colorNever  = "never"
)

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

func init() {
	InitStderrLog()
}

// Levels returns the set of accepted --log-level values.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the set of accepted --log-color values.
func Colors() []string {
	return []string{colorAlways, colorAuto, colorNever}
}

// InitStderrLog initializes the logger to output to stderr only.
// Useful for tests and for early startup before flags are parsed.
func InitStderrLog() {
	Log = logrus.New()
	Log.SetOutput(os.Stderr)
	Log.SetLevel(defaultLogLevel)
	Log.SetFormatter(newFormatter(colorAuto))
	fileLogging = false
}

// InitBestEffort initializes the logger from the given flags, ignoring
// any invalid values so that logging is always available.
func InitBestEffort(flags *LogFlags) {
	if flags == nil {
		InitStderrLog()
		return
	}

	if err := Init(stringOrEmpty(flags.LogFile), stringOrEmpty(flags.LogLevel),
		stringOrEmpty(flags.LogColor)); err != nil {
		InitStderrLog()
		Log.Warnf("Failed to fully initialize logger: %v", err)
	}
}

// Init initializes the logger, directing output to stderr and, if filePath is
// set, a build log file that captures everything at debug level.
func Init(filePath string, levelName string, colorName string) error {
	Log = logrus.New()
	Log.SetFormatter(newFormatter(colorName))
	fileLogging = false

	level := defaultLogLevel
	if levelName != "" {
		parsedLevel, err := logrus.ParseLevel(levelName)
		if err != nil {
			return fmt.Errorf("invalid log level (%s):\n%w", levelName, err)
		}
		level = parsedLevel
	}

	if filePath == "" {
		Log.SetOutput(os.Stderr)
		Log.SetLevel(level)
		return nil
	}

	logFile, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open log file (%s):\n%w", filePath, err)
	}

	// The file gets everything; stderr stays at the requested level.
	Log.SetOutput(io.Discard)
	Log.SetLevel(fileLogLevel)
	Log.AddHook(newWriterHook(os.Stderr, level, true))
	Log.AddHook(newWriterHook(logFile, fileLogLevel, false))
	fileLogging = true
	return nil
}

// AddFileLog routes a copy of every log entry, at debug level, into the given
// file. Stderr output keeps its current level. Used for the per-run build log.
func AddFileLog(filePath string) error {
	logFile, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open log file (%s):\n%w", filePath, err)
	}

	if !fileLogging {
		stderrLevel := Log.GetLevel()
		Log.SetOutput(io.Discard)
		Log.SetLevel(fileLogLevel)
		Log.AddHook(newWriterHook(os.Stderr, stderrLevel, true))
		fileLogging = true
	}
	Log.AddHook(newWriterHook(logFile, fileLogLevel, false))
	return nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

type logFormatter struct {
	colorName string
}

func newFormatter(colorName string) logrus.Formatter {
	return &logFormatter{colorName: colorName}
}

func (f *logFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())

	useColor := false
	switch f.colorName {
	case colorAlways:
		useColor = true
	case colorNever:
		useColor = false
	default:
		useColor = !color.NoColor
	}

	if useColor {
		switch entry.Level {
		case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
			level = color.RedString(level)
		case logrus.WarnLevel:
			level = color.YellowString(level)
		case logrus.DebugLevel, logrus.TraceLevel:
			level = color.HiBlackString(level)
		}
	}

	message := fmt.Sprintf("%s [%s] %s\n", entry.Time.Format("2006-01-02T15:04:05Z07:00"),
		level, entry.Message)
	return []byte(message), nil
}

// writerHook duplicates log entries to an additional writer with its own
// minimum level. Used to split stderr output from the build log file.
type writerHook struct {
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func newWriterHook(writer io.Writer, level logrus.Level, useColor bool) *writerHook {
	colorName := colorNever
	if useColor {
		colorName = colorAuto
	}
	return &writerHook{
		writer:    writer,
		level:     level,
		formatter: newFormatter(colorName),
	}
}

func (h *writerHook) Levels() []logrus.Level {
	levels := []logrus.Level(nil)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
