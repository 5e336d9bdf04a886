package observability

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	// WithContext attaches the request, trace and span ids carried by ctx.
	WithContext(ctx context.Context) Logger
	Sync() error
}

// Field represents a log field.
type Field = zap.Field

// Field constructors.
var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
	Time     = zap.Time
)

// Log outputs other than a file path.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string
	Format string
	// Output is stdout, stderr or a file path. File outputs are rotated.
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     OutputStdout,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// NewLogger builds a zap logger for cfg.
func NewLogger(cfg LogConfig) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, newSink(cfg), level)
	return &zapLogger{
		logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	switch format {
	case "", "json":
		return zapcore.NewJSONEncoder(ec), nil
	case "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// newSink maps the output setting to a writer. Anything other than stdout
// or stderr is a file rotated by size and age.
func newSink(cfg LogConfig) zapcore.WriteSyncer {
	switch cfg.Output {
	case "", OutputStdout:
		return zapcore.Lock(os.Stdout)
	case OutputStderr:
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

// ParseLevel parses a log level string.
func ParseLevel(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(level)
}

type zapLogger struct {
	logger *zap.Logger
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, fields...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.logger.Fatal(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.logger.Sync() }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{logger: l.logger.With(fields...)}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	fields := logFields(ctx).fields()
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// requestFields are the ids a request carries through the pipeline.
type requestFields struct {
	requestID string
	traceID   string
	spanID    string
}

type logFieldsKey struct{}

func logFields(ctx context.Context) requestFields {
	f, _ := ctx.Value(logFieldsKey{}).(requestFields)
	return f
}

func (f requestFields) fields() []Field {
	var out []Field
	if f.requestID != "" {
		out = append(out, String("request_id", f.requestID))
	}
	if f.traceID != "" {
		out = append(out, String("trace_id", f.traceID))
	}
	if f.spanID != "" {
		out = append(out, String("span_id", f.spanID))
	}
	return out
}

func withLogFields(ctx context.Context, update func(*requestFields)) context.Context {
	f := logFields(ctx)
	update(&f)
	return context.WithValue(ctx, logFieldsKey{}, f)
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return withLogFields(ctx, func(f *requestFields) { f.requestID = requestID })
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	return logFields(ctx).requestID
}

// ContextWithTraceID adds a trace ID to the context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return withLogFields(ctx, func(f *requestFields) { f.traceID = traceID })
}

// TraceIDFromContext extracts the trace ID from context.
func TraceIDFromContext(ctx context.Context) string {
	return logFields(ctx).traceID
}

// ContextWithSpanID adds a span ID to the context.
func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return withLogFields(ctx, func(f *requestFields) { f.spanID = spanID })
}

var (
	globalLogger Logger = NopLogger()
	globalMu     sync.RWMutex
)

// SetGlobalLogger replaces the process logger returned by L.
func SetGlobalLogger(logger Logger) {
	if logger == nil {
		logger = NopLogger()
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the process logger. It discards output until SetGlobalLogger
// is called.
func L() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NopLogger returns a logger that discards all output.
func NopLogger() Logger {
	return &zapLogger{logger: zap.NewNop()}
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		return NopLogger()
	}
	return &zapLogger{logger: logger}
}
