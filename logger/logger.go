package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
	// PartyIDKey is the context key for the authenticated party
	PartyIDKey ContextKey = "party_id"
)

// Config holds logger configuration
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Init installs the global zerolog logger writing to stdout.
func Init(cfg Config) {
	zlog.Logger = New(os.Stdout, cfg)
}

// New builds a logger for cfg writing to w.
func New(w io.Writer, cfg Config) zerolog.Logger {
	if cfg.Format == "console" || cfg.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRequestID stores the request id for later log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithPartyID stores the authenticated party id for later log lines.
func WithPartyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PartyIDKey, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// WithContext returns the global logger enriched with context values.
func WithContext(ctx context.Context) *zerolog.Logger {
	l := From(ctx, zlog.Logger)
	return &l
}

// From enriches base with the request and party ids carried by ctx.
func From(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	c := base.With()
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		c = c.Str("request_id", requestID)
	}
	if partyID, ok := ctx.Value(PartyIDKey).(string); ok && partyID != "" {
		c = c.Str("party_id", partyID)
	}
	return c.Logger()
}
