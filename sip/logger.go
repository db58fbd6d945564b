package sip

import "log/slog"

var defLogger *slog.Logger

// SetDefaultLogger sets default logger that will be used within sip package.
// Must be called before any usage of the library.
func SetDefaultLogger(l *slog.Logger) {
	defLogger = l
}

// DefaultLogger returns the package-wide logger, falling back to slog.Default
// when none was set via SetDefaultLogger.
func DefaultLogger() *slog.Logger {
	if defLogger != nil {
		return defLogger
	}
	return slog.Default()
}
