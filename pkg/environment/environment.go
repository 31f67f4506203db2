package environment

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Environment names the deployment the process runs in
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config selects the environment through APP_ENV
type Config struct {
	Env string `env:"APP_ENV" envDefault:"development"`
}

// Environment returns the normalized environment of the config
func (c Config) Environment() Environment {
	return Parse(c.Env)
}

// Parse normalizes an environment name. Short aliases are accepted and
// anything unrecognized is treated as development.
func Parse(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return Production
	case "staging", "stage":
		return Staging
	default:
		return Development
	}
}

func (e Environment) String() string { return string(e) }

// IsProduction reports whether e is the production environment
func (e Environment) IsProduction() bool { return e == Production }

type contextKey struct{}

// WithContext stores env in ctx
func WithContext(ctx context.Context, env Environment) context.Context {
	return context.WithValue(ctx, contextKey{}, env)
}

// FromContext returns the environment stored in ctx, or an empty value
func FromContext(ctx context.Context) Environment {
	if ctx == nil {
		return ""
	}
	env, _ := ctx.Value(contextKey{}).(Environment)
	return env
}

// IsProduction reports whether ctx carries the production environment
func IsProduction(ctx context.Context) bool {
	return FromContext(ctx) == Production
}

// Middleware attaches env to every request context
func Middleware(env Environment) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), env)))
		})
	}
}

// LoggerExtractor adds an "env" attribute to records logged with a context that carries one
func LoggerExtractor() func(ctx context.Context) (slog.Attr, bool) {
	return func(ctx context.Context) (slog.Attr, bool) {
		if env := FromContext(ctx); env != "" {
			return slog.String("env", string(env)), true
		}
		return slog.Attr{}, false
	}
}
