package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storefront/orders-api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON zap logger used across the process. The level comes from LOG_LEVEL.
func NewLogger() (*zap.Logger, error) {
	return NewLoggerAt(os.Getenv("LOG_LEVEL"))
}

// NewLoggerAt builds the JSON logger at the given level, falling back to info.
func NewLoggerAt(levelName string) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(levelName)))); err != nil || levelName == "" {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",
			TimeKey:    "timestamp",
			LevelKey:   "severity",
			EncodeTime: zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
			CallerKey:      "caller",
			EncodeCaller:   zapcore.ShortCallerEncoder,
			StacktraceKey:  "stacktrace",
			EncodeDuration: zapcore.MillisDurationEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the workflow event logger signature. The request-scoped
// logger on ctx wins over base so workflow events carry request and trace fields.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		if strings.HasSuffix(event, ".failed") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

// PrintfAdapter adapts zap to printf-style logger interfaces such as the kafka writer's.
type PrintfAdapter struct {
	logf func(string, ...any)
}

// NewPrintfAdapter logs through logger at debug level, or at error level when asError is set.
func NewPrintfAdapter(logger *zap.Logger, asError bool) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	if asError {
		return PrintfAdapter{logf: sugar.Errorf}
	}
	return PrintfAdapter{logf: sugar.Debugf}
}

// Printf implements the printf-style logging contract.
func (a PrintfAdapter) Printf(format string, args ...any) {
	if a.logf != nil {
		a.logf(format, args...)
	}
}
