package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fundbridge/logger"
	"fundbridge/party"
)

type ctxKey int

const ctxKeyCaller ctxKey = iota

// Verifier turns a bearer token into a caller.
type Verifier interface {
	Verify(ctx context.Context, token string) (party.Caller, error)
}

// requestID reuses an incoming X-Request-ID or generates one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLogger logs every request with its status and latency.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log := logger.From(r.Context(), base)
			ev := log.Info()
			switch {
			case rec.status >= 500:
				ev = log.Error()
			case rec.status >= 400:
				ev = log.Warn()
			}
			ev.Int("status", rec.status).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Str("client_ip", r.RemoteAddr).
				Msg("request completed")
		})
	}
}

// recovery turns a panic into a 500 envelope.
func recovery(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log := logger.From(r.Context(), base)
					log.Error().
						Interface("error", err).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("stack", string(debug.Stack())).
						Msg("panic recovered")
					writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate requires a valid bearer token and stores the caller.
func authenticate(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authorization header required", nil)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid authorization header format", nil)
				return
			}
			caller, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				fail(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
			ctx = logger.WithPartyID(ctx, caller.PartyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFrom(ctx context.Context) party.Caller {
	c, _ := ctx.Value(ctxKeyCaller).(party.Caller)
	return c
}
