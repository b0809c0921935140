// Package logging provides the structured logger used by every component.
// Records are JSON by default and always carry service identity, a
// correlation id propagated through context, and trace/span ids when a span
// is active. When secure logging is enabled, messages and field values pass
// through the sanitizer before encoding.
package logging

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cctelegram/mcp-bridge/internal/sanitize"
)

// Config controls logger construction. Zero values fall back to production
// defaults (info level, JSON format, secure logging on).
type Config struct {
	Level       string // debug | info | warn | error | fatal
	Format      string // json | pretty | simple
	Secure      bool
	Service     string
	Version     string
	Environment string

	// Extra sanitizer configuration, merged with the built-ins.
	RedactPatterns map[string]string
	RedactKeys     []string

	// Aggregation of repeated messages; see Aggregator.
	AggregationWindow    int // seconds, default 60
	AggregationThreshold int // default 10
}

// Logger wraps zap with sanitization, correlation propagation, and repeated
// message aggregation.
type Logger struct {
	zl        *zap.Logger
	sanitizer *sanitize.Sanitizer
	agg       *Aggregator
}

// New builds a Logger writing to stderr. Stdout is reserved for the MCP
// wire protocol and must never receive log output.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.NameKey = "component"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "pretty":
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	case "simple":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level)

	sanitizer := sanitize.New(
		sanitize.WithPatterns(cfg.RedactPatterns),
		sanitize.WithRedactKeys(cfg.RedactKeys...),
	)
	if cfg.Secure {
		core = &secureCore{inner: core, s: sanitizer}
	}

	fields := []zap.Field{
		zap.String("service", orDefault(cfg.Service, "cctelegram-mcp")),
		zap.String("version", orDefault(cfg.Version, "dev")),
		zap.String("environment", orDefault(cfg.Environment, "production")),
	}

	window := cfg.AggregationWindow
	if window <= 0 {
		window = 60
	}
	threshold := cfg.AggregationThreshold
	if threshold <= 0 {
		threshold = 10
	}

	return &Logger{
		zl:        zap.New(core).With(fields...),
		sanitizer: sanitizer,
		agg:       NewAggregator(window, threshold),
	}, nil
}

// NewNop returns a logger that discards everything. For tests.
func NewNop() *Logger {
	return &Logger{
		zl:        zap.NewNop(),
		sanitizer: sanitize.New(),
		agg:       NewAggregator(60, 1<<30),
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Named derives a component logger sharing the same core and aggregator.
func (l *Logger) Named(component string) *Logger {
	return &Logger{zl: l.zl.Named(component), sanitizer: l.sanitizer, agg: l.agg}
}

// With attaches permanent fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zl: l.zl.With(fields...), sanitizer: l.sanitizer, agg: l.agg}
}

// Zap exposes the underlying zap logger for packages that integrate with it
// directly (the bus, HTTP middlewares).
func (l *Logger) Zap() *zap.Logger { return l.zl }

// Sanitizer exposes the shared sanitizer so other components redact with the
// same rule set.
func (l *Logger) Sanitizer() *sanitize.Sanitizer { return l.sanitizer }

// OnAggregate registers the aggregation signal sink (wired to the bus at
// startup).
func (l *Logger) OnAggregate(fn func(AggregationSignal)) { l.agg.OnSignal(fn) }

// Sync flushes buffered records.
func (l *Logger) Sync() error { return l.zl.Sync() }

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	l.agg.Observe(msg)
	if ce := l.zl.Check(lvl, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

// ---------------------------------------------------------------------------
// Correlation propagation
// ---------------------------------------------------------------------------

type ctxKey int

const correlationKey ctxKey = iota

// WithCorrelation returns a child context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationFrom returns the correlation id carried by ctx, or "".
func CorrelationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelation returns ctx unchanged when it already carries a
// correlation id, otherwise mints one.
func EnsureCorrelation(ctx context.Context) (context.Context, string) {
	if id := CorrelationFrom(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelation(ctx, id), id
}

// ContextFields extracts correlation and trace identity fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if id := CorrelationFrom(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	return fields
}

// ---------------------------------------------------------------------------
// Sanitizing core
// ---------------------------------------------------------------------------

type secureCore struct {
	inner zapcore.Core
	s     *sanitize.Sanitizer
}

func (c *secureCore) Enabled(lvl zapcore.Level) bool { return c.inner.Enabled(lvl) }

func (c *secureCore) With(fields []zapcore.Field) zapcore.Core {
	return &secureCore{inner: c.inner.With(c.sanitizeFields(fields)), s: c.s}
}

func (c *secureCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *secureCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.s.Text(ent.Message)
	return c.inner.Write(ent, c.sanitizeFields(fields))
}

func (c *secureCore) Sync() error { return c.inner.Sync() }

func (c *secureCore) sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if c.s.DeniedKey(f.Key) {
			out[i] = zap.String(f.Key, sanitize.Redacted)
			continue
		}
		switch f.Type {
		case zapcore.StringType:
			f.String = c.s.Text(f.String)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zap.String(f.Key, c.s.Text(err.Error()))
			}
		case zapcore.ReflectType:
			f.Interface = c.s.Value(f.Interface)
		}
		out[i] = f
	}
	return out
}
