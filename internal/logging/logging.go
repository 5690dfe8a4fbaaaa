// Package logging builds the zap logger used across a run.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// New returns a console logger writing to stderr. Levels are colored when
// stderr is a terminal.
func New(debug bool) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.DisableStacktrace = !debug
	config.DisableCaller = !debug
	config.EncoderConfig.TimeKey = ""
	config.EncoderConfig.NameKey = "logger"
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return config.Build()
}

// Progress logs a pipeline milestone under the "lava" logger name
func Progress(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Named("lava").Info(msg, fields...)
}
