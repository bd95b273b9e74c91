// Package logging provides the structured, leveled logging interface shared
// by every coordinator component. The shape mirrors the teacher's own
// Logger: a Level and a single Log(level, msg, keyvals...) call, so call
// sites read the same way throughout the codebase regardless of which
// component they live in.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the logging severity, ordered least to most severe.
type Level int8

const (
	LevelNone Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "NONE"
	}
}

// Logger is implemented by anything that can accept a leveled, structured
// log line. keyvals is an alternating key, value, key, value... slice.
type Logger interface {
	Level() Level
	Log(level Level, msg string, keyvals ...interface{})
}

// zapLogger adapts a *zap.Logger to the Logger interface.
type zapLogger struct {
	z     *zap.Logger
	level Level
}

// NewZap wraps z as a Logger reporting at the given minimum level.
func NewZap(z *zap.Logger, level Level) Logger {
	return &zapLogger{z: z, level: level}
}

func (l *zapLogger) Level() Level { return l.level }

func (l *zapLogger) Log(level Level, msg string, keyvals ...interface{}) {
	if level < l.level {
		return
	}
	fields := toFields(keyvals)
	switch level {
	case LevelDebug:
		l.z.Debug(msg, fields...)
	case LevelInfo:
		l.z.Info(msg, fields...)
	case LevelWarn:
		l.z.Warn(msg, fields...)
	case LevelError:
		l.z.Error(msg, fields...)
	}
}

func toFields(keyvals []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2+1)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	if len(keyvals)%2 == 1 {
		fields = append(fields, zap.Any("extra", keyvals[len(keyvals)-1]))
	}
	return fields
}

// NewProduction returns a Logger backed by zap's production JSON encoder at
// the given level.
func NewProduction(level Level) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZap(z, level), nil
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.ErrorLevel
	}
}

type nopLogger struct{}

// Nop is a Logger that discards everything; used in tests.
var Nop Logger = nopLogger{}

func (nopLogger) Level() Level                                   { return LevelError + 1 }
func (nopLogger) Log(level Level, msg string, keyvals ...interface{}) {}
