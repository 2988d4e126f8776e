package logger

import (
	"context"
	"errors"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	JSON      bool `default:"false"` // JSON encoder instead of console
	NoColor   bool `default:"false"`
	Verbose   int  `default:"0"` // >0 enables debug
	Quiet     bool `default:"false"`
	AddCaller bool `default:"false"`

	// File additionally writes JSON logs to a rotated file.
	File       string
	MaxSizeMB  int `default:"100"`
	MaxBackups int `default:"3"`
	MaxAgeDays int `default:"28"`
}

func (cfg Config) level() zapcore.Level {
	switch {
	case cfg.Quiet:
		return zapcore.WarnLevel
	case cfg.Verbose > 0:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
	}
}

func NewLogger(cfg Config) (*zap.Logger, func(context.Context) error, error) {
	encCfg := encoderConfig()
	var enc zapcore.Encoder
	if cfg.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		if !cfg.NoColor && runtime.GOOS != "windows" {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// stdout carries command output, logs go to stderr
	ws := zapcore.AddSync(os.Stderr)
	level := cfg.level()
	core := zapcore.NewCore(enc, ws, level)

	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), level)
		core = zapcore.NewTee(core, fileCore)
	}

	opts := []zap.Option{
		zap.ErrorOutput(ws),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.AddCaller || level == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}

	lg := zap.New(core, opts...)

	cleanup := func(_ context.Context) error {
		err := lg.Sync()
		// Sync on a terminal fails with EINVAL and friends on most systems
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.ENOTTY) {
			err = nil
		}
		if rotator != nil {
			if cerr := rotator.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}
	return lg, cleanup, nil
}
