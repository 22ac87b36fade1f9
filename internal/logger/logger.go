// Package logger builds the daemon's zap logger.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Level is one of debug, info, warn, error. Unknown values fall back to info.
	Level string
	// Console receives every record. Defaults to stderr.
	Console io.Writer
	// File is an optional second sink: a *lumberjack.Logger in standalone
	// mode, or a *Reopenable holding a descriptor handed over by the monitor.
	File io.Writer
}

// New returns a sugared logger teeing the console and the optional file sink,
// together with the level handle so callers can raise verbosity at runtime.
func New(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	encoder := getEncoder()
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(console)), atomicLevel),
	}
	if cfg.File != nil {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(cfg.File), atomicLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
	return logger, atomicLevel
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// NewRotatingFile returns a size-rotated log file for standalone mode.
func NewRotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    bracketLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func bracketLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}
