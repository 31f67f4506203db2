package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dmitrymomot/jobqueue/pkg/environment"
)

// Format is the log output encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config is the environment-driven logger setup
type Config struct {
	Level  string `env:"LOG_LEVEL" envDefault:""`
	Format string `env:"LOG_FORMAT" envDefault:""`
}

// Option configures New
type Option func(*options)

type options struct {
	level      slog.Level
	format     Format
	output     io.Writer
	attrs      []slog.Attr
	extractors []ContextExtractor
}

// WithLevel sets the minimum level
func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = l }
}

// WithFormat sets the output format. Unknown formats panic.
func WithFormat(f Format) Option {
	return func(o *options) {
		switch f {
		case FormatJSON, FormatText:
			o.format = f
		default:
			panic(fmt.Errorf("invalid log format %q: must be %q or %q", f, FormatJSON, FormatText))
		}
	}
}

// WithOutput sets the destination; nil is ignored
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// WithAttr adds static attributes to every record
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithContextExtractors registers functions that add attributes from the logging context
func WithContextExtractors(extractors ...ContextExtractor) Option {
	return func(o *options) {
		for _, ex := range extractors {
			if ex != nil {
				o.extractors = append(o.extractors, ex)
			}
		}
	}
}

// WithEnvironment applies the defaults of env and tags records with service and env.
// Development logs text at debug level, staging and production log JSON at info.
func WithEnvironment(env environment.Environment, service string) Option {
	return func(o *options) {
		if env == environment.Development {
			o.level = slog.LevelDebug
			o.format = FormatText
		} else {
			o.level = slog.LevelInfo
			o.format = FormatJSON
		}
		if service != "" {
			o.attrs = append(o.attrs, slog.String("service", service))
		}
		o.attrs = append(o.attrs, slog.String("env", env.String()))
	}
}

// WithConfig applies explicit LOG_LEVEL and LOG_FORMAT values.
// Place it after WithEnvironment so it overrides the environment defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		if cfg.Level != "" {
			var l slog.Level
			if err := l.UnmarshalText([]byte(cfg.Level)); err == nil {
				o.level = l
			}
		}
		if cfg.Format != "" {
			WithFormat(Format(strings.ToLower(cfg.Format)))(o)
		}
	}
}

// SetAsDefault installs l as the slog default
func SetAsDefault(l *slog.Logger) {
	slog.SetDefault(l)
}

// New builds a logger. Without options it writes JSON at info level to stdout.
func New(opts ...Option) *slog.Logger {
	o := &options{
		level:  slog.LevelInfo,
		format: FormatJSON,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}

	ho := &slog.HandlerOptions{Level: o.level}
	var h slog.Handler
	if o.format == FormatText {
		h = slog.NewTextHandler(o.output, ho)
	} else {
		h = slog.NewJSONHandler(o.output, ho)
	}
	if len(o.attrs) > 0 {
		h = h.WithAttrs(o.attrs)
	}
	return slog.New(NewLogHandlerDecorator(h, o.extractors...))
}

// Discard returns a logger that drops every record
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

