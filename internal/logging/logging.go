// Package logging abstracts structured logging across the relay, grounded
// on bassosimone-nop's SLogger: a small leveled interface (Debug, Info,
// Warn, Error, plus With) that a *slog.Logger is adapted to through Wrap,
// defaulting to a no-op so the library stays silent unless a caller opts in.
package logging

import "log/slog"

// Logger abstracts the subset of *slog.Logger behavior the relay needs.
// Using an interface instead of *slog.Logger directly keeps handler/relay
// tests independent of any real logging backend.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct{ l *slog.Logger }

// Wrap adapts an existing *slog.Logger. Passing nil is equivalent to Discard().
func Wrap(l *slog.Logger) Logger {
	if l == nil {
		return Discard()
	}
	return slogLogger{l: l}
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s slogLogger) With(args ...any) Logger       { return slogLogger{l: s.l.With(args...)} }

type discardLogger struct{}

// Discard returns a Logger that throws away every message, mirroring the
// library convention bassosimone-nop documents: "the default is a no-op
// logger that discards all output."
func Discard() Logger { return discardLogger{} }

func (discardLogger) Debug(string, ...any)      {}
func (discardLogger) Info(string, ...any)       {}
func (discardLogger) Warn(string, ...any)       {}
func (discardLogger) Error(string, ...any)      {}
func (discardLogger) With(...any) Logger        { return discardLogger{} }
