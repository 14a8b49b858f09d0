package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.opentelemetry.io/otel/trace"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON LogFormat = "json"

	// FormatConsole outputs logs in a human-readable format
	FormatConsole LogFormat = "console"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config contains logger configuration
type Config struct {
	// Logging level
	Level LogLevel

	// Output format (json or console)
	Format LogFormat

	// Whether to include caller information
	IncludeCaller bool

	// Whether to include stack traces for errors
	IncludeStacktrace bool

	// Output writer (defaults to os.Stderr so that `liveflow watch` can own stdout)
	Output io.Writer

	// Additional global context fields
	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:             LevelInfo,
		Format:            FormatConsole,
		IncludeCaller:     false,
		IncludeStacktrace: true,
		Output:            os.Stderr,
		GlobalFields:      map[string]string{},
	}
}

// Setup configures the global zerolog logger
func Setup(config Config) error {
	level, err := ParseLevel(string(config.Level))
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	switch config.Format {
	case FormatConsole:
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	case FormatJSON, "":
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	if config.IncludeStacktrace {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}
	for k, v := range config.GlobalFields {
		logger = logger.Str(k, v)
	}

	log.Logger = logger.Logger()
	zerolog.SetGlobalLevel(level)

	return nil
}

// ParseLevel converts a level name to a zerolog.Level. The empty string is info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(level))) {
	case LevelDebug:
		return zerolog.DebugLevel, nil
	case LevelInfo, "":
		return zerolog.InfoLevel, nil
	case LevelWarn, "warning":
		return zerolog.WarnLevel, nil
	case LevelError:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// FromContext returns the context logger annotated with trace and span ids when a span is active
func FromContext(ctx context.Context) *zerolog.Logger {
	logger := log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		// no logger on the context
		logger = &log.Logger
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return logger
	}
	l := logger.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}

// WithContext returns a context with the given logger attached
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// Component returns a logger with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
