package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/rs/zerolog"
)

// Logger and Field are re-exported so callers only import this package.
type (
	Logger = interfaces.Logger
	Field  = interfaces.Field
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

// New builds a logger writing to stderr. component is attached to every entry
// when non-empty; level accepts zerolog level names and defaults to info.
func New(component, level string, format Format) *ZerologLogger {
	var out io.Writer = os.Stderr
	if format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(out, component, level)
}

// NewWithWriter is New with an explicit destination, used by tests.
func NewWithWriter(w io.Writer, component, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(lvl).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return &ZerologLogger{logger: ctx.Logger()}
}

func (z *ZerologLogger) Debug(msg string, fields ...Field) { emit(z.logger.Debug(), msg, fields) }

func (z *ZerologLogger) Info(msg string, fields ...Field) { emit(z.logger.Info(), msg, fields) }

func (z *ZerologLogger) Warn(msg string, fields ...Field) { emit(z.logger.Warn(), msg, fields) }

func (z *ZerologLogger) Error(msg string, fields ...Field) { emit(z.logger.Error(), msg, fields) }

func (z *ZerologLogger) With(fields ...Field) Logger {
	ctx := z.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, fieldValue(f.Value))
	}
	return &ZerologLogger{logger: ctx.Logger()}
}

func emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = addField(event, f)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return event.Str(f.Key, v)
	case int:
		return event.Int(f.Key, v)
	case int64:
		return event.Int64(f.Key, v)
	case uint64:
		return event.Uint64(f.Key, v)
	case float64:
		return event.Float64(f.Key, v)
	case bool:
		return event.Bool(f.Key, v)
	case time.Duration:
		return event.Dur(f.Key, v)
	case time.Time:
		return event.Time(f.Key, v)
	case error:
		return event.AnErr(f.Key, v)
	default:
		return event.Interface(f.Key, v)
	}
}

// fieldValue keeps errors readable when stored as persistent context.
func fieldValue(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}

func String(key, value string) Field { return interfaces.String(key, value) }

func Int(key string, value int) Field { return interfaces.Int(key, value) }

func Int64(key string, value int64) Field { return interfaces.Int64(key, value) }

func Bool(key string, value bool) Field { return interfaces.Bool(key, value) }

func Duration(key string, value time.Duration) Field { return interfaces.Duration(key, value) }

func Err(err error) Field { return interfaces.Err(err) }

func Any(key string, value interface{}) Field { return interfaces.Any(key, value) }
