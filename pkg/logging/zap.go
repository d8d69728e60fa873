// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logging builds the zap loggers used by the bonding daemon.
package logging

import (
	"fmt"
	"io"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogDestination defines a single logging output.
type LogDestination struct {
	level  zapcore.LevelEnabler
	writer io.Writer
	config zapcore.EncoderConfig
	json   bool
}

// EncoderOption defines a log destination encoder config setter.
type EncoderOption func(dest *LogDestination)

// WithoutTimestamp disables timestamp.
func WithoutTimestamp() EncoderOption {
	return func(dest *LogDestination) {
		dest.config.EncodeTime = nil
	}
}

// WithColoredLevels enables log level colored output.
func WithColoredLevels() EncoderOption {
	return func(dest *LogDestination) {
		dest.config.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
}

// WithJSON switches the destination to the JSON encoder.
func WithJSON() EncoderOption {
	return func(dest *LogDestination) {
		dest.json = true
		dest.config.EncodeLevel = zapcore.LowercaseLevelEncoder
		dest.config.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
}

// NewLogDestination creates new log destination.
func NewLogDestination(writer io.Writer, logLevel zapcore.LevelEnabler, options ...EncoderOption) *LogDestination {
	config := zap.NewDevelopmentEncoderConfig()
	config.ConsoleSeparator = " "
	config.StacktraceKey = "error"

	dest := &LogDestination{
		level:  logLevel,
		config: config,
		writer: writer,
	}

	for _, option := range options {
		option(dest)
	}

	return dest
}

// Wrap is a simple helper to wrap io.Writer with default arguments.
func Wrap(writer io.Writer) *zap.Logger {
	return ZapLogger(
		NewLogDestination(writer, zapcore.DebugLevel),
	)
}

// ZapLogger creates new default Zap Logger.
func ZapLogger(dests ...*LogDestination) *zap.Logger {
	if len(dests) == 0 {
		panic("at least one writer must be defined")
	}

	cores := xslices.Map(dests, func(dest *LogDestination) zapcore.Core {
		var encoder zapcore.Encoder

		if dest.json {
			encoder = zapcore.NewJSONEncoder(dest.config)
		} else {
			encoder = zapcore.NewConsoleEncoder(dest.config)
		}

		return zapcore.NewCore(
			encoder,
			zapcore.AddSync(dest.writer),
			dest.level,
		)
	})

	return zap.New(zapcore.NewTee(cores...))
}

// ParseLevel parses the log level name, accepting the zap level names.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}

	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	return level, nil
}

// Component helper for creating zap.Field.
func Component(name string) zapcore.Field {
	return zap.String("component", name)
}
