package traybar

import (
	"context"
	"fmt"
	"io"
)

type logCtxKey struct{}

// Logger provides output and verbose diagnostics logging.
type Logger struct {
	out     io.Writer
	verbose bool
}

// discardLogger is the default no-op logger.
var discardLogger = &Logger{out: io.Discard}

// NewLogger creates a new logger.
func NewLogger(out io.Writer, verbose bool) *Logger {
	return &Logger{out: out, verbose: verbose}
}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, logCtxKey{}, l)
}

// LoggerFromContext retrieves the logger from context.
// Returns a no-op logger if none is attached.
func LoggerFromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(logCtxKey{}).(*Logger); ok {
		return l
	}
	return discardLogger
}

// Printf writes formatted output.
func (l *Logger) Printf(format string, args ...any) {
	fmt.Fprintf(l.out, format+"\n", args...)
}

// Debugf writes formatted diagnostics output.
// Only prints when verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if l.verbose {
		fmt.Fprintf(l.out, format+"\n", args...)
	}
}

// Verbose returns true if verbose mode is enabled.
func (l *Logger) Verbose() bool {
	return l.verbose
}
