// Package logging builds gtvcore's zap logger, grounded on the teacher's
// utils/log.go: a lumberjack-backed rotating JSON sink, lowercase level
// encoding, and a config-driven level enabler. Unlike the teacher's
// single package-global Logger, gtvcore runs many independent Upstreams
// and Channels at once, so callers get a named child logger
// (zap.Logger.Named) carrying per-instance fields instead of reaching
// for a shared global.
package logging

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/5l1v3r1/gtvcore/internal/config"
)

var base *zap.Logger

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func init() {
	base = build(config.Global.Log)
}

func build(cfg config.Log) *zap.Logger {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	hook := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	sink := zapcore.AddSync(hook)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, enabler)
	return zap.New(core, zap.AddCaller())
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// Named returns a child logger for one component instance, e.g.
// logging.Named("upstream", zap.Int("id", id)).
func Named(name string, fields ...zap.Field) *zap.Logger {
	return base.Named(name).With(fields...)
}

// Sync flushes the underlying sink; call once at shutdown, as the
// teacher does with defer utils.Logger.Sync().
func Sync() { _ = base.Sync() }
