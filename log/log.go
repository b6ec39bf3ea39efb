// Package log is a thin facade over zerolog. Every component gets a scoped
// logger via [New] or pulls the request-scoped one from the context via
// [Ctx].
package log

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const scopeFieldName = "s"

// Logger wraps a zerolog logger with the helpers used across the codebase.
type Logger struct {
	zl zerolog.Logger
}

// Field attaches one typed attribute to a logger.
type Field func(zc zerolog.Context) zerolog.Context

// NS annotates the logger with a namespace (database and collection).
func NS(db, coll string) Field {
	return func(zc zerolog.Context) zerolog.Context {
		if coll == "" {
			return zc.Str("ns", db)
		}

		return zc.Str("ns", db+"."+coll)
	}
}

// Count annotates the logger with a document count.
func Count(v int64) Field {
	return func(zc zerolog.Context) zerolog.Context { return zc.Int64("count", v) }
}

// Size annotates the logger with a byte size.
func Size(v uint64) Field {
	return func(zc zerolog.Context) zerolog.Context { return zc.Uint64("size", v) }
}

// Elapsed annotates the logger with an elapsed duration.
func Elapsed(d time.Duration) Field {
	return func(zc zerolog.Context) zerolog.Context { return zc.Dur("elapsed", d) }
}

// Int64 annotates the logger with an arbitrary int64 attribute.
func Int64(key string, v int64) Field {
	return func(zc zerolog.Context) zerolog.Context { return zc.Int64(key, v) }
}

// Str annotates the logger with an arbitrary string attribute.
func Str(key, v string) Field {
	return func(zc zerolog.Context) zerolog.Context { return zc.Str(key, v) }
}

// InitGlobals configures the process-wide logger and returns it. It must be
// called once at startup, before any other package logs.
func InitGlobals(level zerolog.Level, useJSON, noColor bool) Logger {
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond

	var zl zerolog.Logger
	if useJSON {
		zl = zerolog.New(os.Stderr)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    noColor,
			TimeFormat: time.RFC3339,
		})
	}

	zl = zl.With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &zl

	return Logger{zl: zl}
}

// New returns a logger scoped with the given component name.
func New(scope string) Logger {
	zl := zerolog.DefaultContextLogger
	if zl == nil {
		nop := zerolog.Nop()
		zl = &nop
	}

	return Logger{zl: zl.With().Str(scopeFieldName, scope).Logger()}
}

// Ctx returns the logger stored in ctx, falling back to the global one.
func Ctx(ctx context.Context) Logger {
	return Logger{zl: *zerolog.Ctx(ctx)}
}

// WithContext returns a copy of ctx carrying this logger.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return l.zl.WithContext(ctx)
}

// With returns a logger annotated with the given fields.
func (l Logger) With(fields ...Field) Logger {
	zc := l.zl.With()
	for _, f := range fields {
		zc = f(zc)
	}

	return Logger{zl: zc.Logger()}
}

func (l Logger) Trace(msg string) {
	l.zl.Trace().Msg(msg)
}

func (l Logger) Debug(msg string) {
	l.zl.Debug().Msg(msg)
}

func (l Logger) Debugf(format string, vals ...any) {
	l.zl.Debug().Msgf(format, vals...)
}

func (l Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

func (l Logger) Infof(format string, vals ...any) {
	l.zl.Info().Msgf(format, vals...)
}

func (l Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

func (l Logger) Warnf(format string, vals ...any) {
	l.zl.Warn().Msgf(format, vals...)
}

func (l Logger) Error(err error, msg string) {
	l.zl.Error().Err(err).Msg(msg)
}

func (l Logger) Errorf(err error, format string, vals ...any) {
	l.zl.Error().Err(err).Msgf(format, vals...)
}

func (l Logger) Fatal(err error, msg string) {
	l.zl.Fatal().Err(err).Msg(msg)
}
