// Package logging builds the zap logger used by the calcmir binaries.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/calcmir/calcmir/pkg/config"
)

// Rotation floors applied when rotation is enabled.
const (
	minMaxSizeMB  = 10
	minMaxBackups = 1
	minMaxAgeDays = 7
)

// New builds a zap.Logger from c, makes it the global logger and redirects
// the standard library log package to it. The caller should defer
// logger.Sync().
func New(c config.LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	encoder := newEncoder(c)
	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		ws, err := openSink(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	if c.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(zapcore.NewTee(cores...), opts...)
	zap.ReplaceGlobals(logger)
	_, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, nil
}

// ParseLevel maps a level name to a zap level. "warning" is accepted as an
// alias of "warn".
func ParseLevel(name string) (zap.AtomicLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel), nil
	case "", "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zap.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel), nil
	default:
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level: %q", name)
	}
}

func newEncoder(c config.LogConfig) zapcore.Encoder {
	var encCfg zapcore.EncoderConfig
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if strings.EqualFold(c.Format, "json") {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

// openSink returns the writer for one output: stdout, stderr, or a file path
// which is rotated by lumberjack when rotation is enabled.
func openSink(out string, rot config.RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	if rot.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, minMaxSizeMB),
			MaxBackups: max(rot.MaxBackups, minMaxBackups),
			MaxAge:     max(rot.MaxAgeDays, minMaxAgeDays),
			Compress:   rot.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.AddSync(f), nil
}
