package fibrerun

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logging type used throughout this package: a logiface
// Logger backed by stumpy's JSON event encoder. Scheduling and polling
// diagnostics are scoped Trace-level events gated by the configured
// level.
type Logger = logiface.Logger[*stumpy.Event]

// NewLogger constructs a Logger writing JSON events to stumpy, at the given
// level. The scheduling core never logs above LevelTrace/LevelDebug on its
// hot paths; the default level is LevelDisabled so embedding applications
// pay no tracing cost unless they opt in via WithLogger.
func NewLogger(level logiface.Level, options ...stumpy.Option) *Logger {
	return logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](level),
		stumpy.WithStumpy(options...),
	)
}

var disabledLogger = NewLogger(logiface.LevelDisabled)

// logBuilder is the concrete Builder type used by fibrerun's trace helpers.
type logBuilder = logiface.Builder[*stumpy.Event]

// logScheduling traces a scheduling-subsystem event (enqueue, dequeue,
// steal, halt, wake).
func logScheduling(l *Logger, msg string, fields func(b *logBuilder) *logBuilder) {
	if l == nil {
		return
	}
	b := l.Trace()
	if b == nil {
		return
	}
	if fields != nil {
		b = fields(b)
	}
	b.Str("subsystem", "scheduling").Log(msg)
}

// logPolling traces a poller-subsystem event.
func logPolling(l *Logger, msg string, fields func(b *logBuilder) *logBuilder) {
	if l == nil {
		return
	}
	b := l.Trace()
	if b == nil {
		return
	}
	if fields != nil {
		b = fields(b)
	}
	b.Str("subsystem", "polling").Log(msg)
}
