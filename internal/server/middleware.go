package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"

	scribe "github.com/eugener/scribe/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError,
					errorEnvelope("internal_server_error", "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := scribe.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantAuth resolves the tenant domain from the Host header, stores it in
// the request context, and enforces client bearer auth when enabled. When
// requestMeta already exists in context (set by requestID middleware), the
// tenant is stored by mutation -- no new context or request copy needed.
func (s *server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFromHost(r.Host)
		ctx := scribe.ContextWithTenant(r.Context(), tenant)
		if s.deps.EnableClientAuth {
			if err := s.deps.Credentials.ValidateClientAuth(tenant, bearerToken(r.Header.Get("Authorization"))); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// dashboardKeyHeader is in canonical MIME form for direct map access.
const dashboardKeyHeader = "X-Dashboard-Key"

// dashboardAuth gates dashboard routes behind the shared secret, presented as
// X-Dashboard-Key or a bearer token. Both sides are hashed before the
// constant-time compare so input length leaks nothing.
func (s *server) dashboardAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.dashKeyHash == "" {
			s.writeError(w, r, fmt.Errorf("%w: dashboard key not configured", scribe.ErrUnauthorized))
			return
		}
		var key string
		if vals := r.Header[dashboardKeyHeader]; len(vals) > 0 {
			key = vals[0]
		} else {
			key = bearerToken(r.Header.Get("Authorization"))
		}
		got := scribe.HashKey(key)
		if subtle.ConstantTimeCompare([]byte(s.dashKeyHash), []byte(got)) != 1 {
			s.writeError(w, r, fmt.Errorf("%w: missing or invalid dashboard key", scribe.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantFromHost extracts the tenant domain from a Host header value,
// dropping any port suffix.
func tenantFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

// bearerToken extracts the token from an Authorization header value, or ""
// when the header is absent or not a Bearer scheme.
func bearerToken(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
