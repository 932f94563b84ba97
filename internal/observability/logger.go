// Package observability defines shared logging primitives.
package observability

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

// With returns a logger that prepends fields to every entry.
func With(logger Logger, fields ...Field) Logger {
	if logger == nil {
		logger = Log()
	}
	if len(fields) == 0 {
		return logger
	}
	return boundLogger{next: logger, fields: fields}
}

type boundLogger struct {
	next   Logger
	fields []Field
}

func (b boundLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(b.fields)+len(fields))
	out = append(out, b.fields...)
	return append(out, fields...)
}

func (b boundLogger) Debug(msg string, fields ...Field) { b.next.Debug(msg, b.merge(fields)...) }
func (b boundLogger) Info(msg string, fields ...Field)  { b.next.Info(msg, b.merge(fields)...) }
func (b boundLogger) Warn(msg string, fields ...Field)  { b.next.Warn(msg, b.merge(fields)...) }
func (b boundLogger) Error(msg string, fields ...Field) { b.next.Error(msg, b.merge(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
