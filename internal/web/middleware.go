// Package web is the HTTP front door: middleware for request IDs, CSRF
// and CORS, the JSON/SSE/WebSocket chat API, and the streaming adapter
// that bridges agent runs to clients.
package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDHeader is read from requests and echoed on responses.
const RequestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the request ID stored by the middleware,
// or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID propagates the caller's X-Request-ID or generates a UUIDv4,
// stores it in the request context, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDLogHandler stamps request_id from the context onto every log
// record emitted inside a request, without any explicit plumbing at the
// call sites.
type RequestIDLogHandler struct {
	slog.Handler
}

// NewRequestIDLogHandler wraps inner.
func NewRequestIDLogHandler(inner slog.Handler) *RequestIDLogHandler {
	return &RequestIDLogHandler{Handler: inner}
}

func (h *RequestIDLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if id := RequestIDFromContext(ctx); id != "" {
		record.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, record)
}

func (h *RequestIDLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RequestIDLogHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *RequestIDLogHandler) WithGroup(name string) slog.Handler {
	return &RequestIDLogHandler{Handler: h.Handler.WithGroup(name)}
}

// Logging logs each request at debug level with its status and timing.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			if logger != nil {
				logger.DebugContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"duration", time.Since(start),
					"remote_addr", r.RemoteAddr,
				)
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// CSRF cookie and header names of the double-submit scheme.
const (
	CSRFCookieName = "sam_csrf_token"
	CSRFHeaderName = "X-CSRF-Token"
)

const csrfCookieMaxAge = 7 * 24 * 60 * 60

// defaultCSRFExempt are path prefixes that skip token verification:
// token establishment, health, metrics, and docs.
var defaultCSRFExempt = []string{"/api/csrf", "/healthz", "/metrics", "/docs"}

// CSRF implements the double-submit cookie defense. Safe methods pass
// through, with GETs ensuring the cookie exists; state-changing methods
// must present the cookie and a matching X-CSRF-Token header.
type CSRF struct {
	// Secure marks the cookie Secure. Off in dev mode so plain-HTTP
	// loopback setups keep working.
	Secure bool
	// ExemptPrefixes skip verification. Nil means the defaults.
	ExemptPrefixes []string
	Logger         *slog.Logger
}

func (c *CSRF) exempt(path string) bool {
	prefixes := c.ExemptPrefixes
	if prefixes == nil {
		prefixes = defaultCSRFExempt
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware wraps next with the CSRF policy.
func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if r.Method == http.MethodGet {
				c.ensureCookie(w, r)
			}
			next.ServeHTTP(w, r)
			return
		}

		if c.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		header := r.Header.Get(CSRFHeaderName)
		if err != nil || cookie.Value == "" || header == "" {
			writeCSRFError(w, "CSRF token missing")
			return
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			if c.Logger != nil {
				c.Logger.WarnContext(r.Context(), "csrf token mismatch", "path", r.URL.Path)
			}
			writeCSRFError(w, "CSRF token invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ensureCookie sets the CSRF cookie when the client has none. The
// cookie must stay readable by the client, so HttpOnly is off.
func (c *CSRF) ensureCookie(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CSRFCookieName); err == nil && cookie.Value != "" {
		return
	}
	token, err := csrfToken()
	if err != nil {
		if c.Logger != nil {
			c.Logger.ErrorContext(r.Context(), "csrf token generation failed", "error", err)
		}
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   csrfCookieMaxAge,
		HttpOnly: false,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// csrfToken returns 32 random bytes as URL-safe base64.
func csrfToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func writeCSRFError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"detail":"` + detail + `"}`))
}

// loopbackOrigins are the CORS defaults in dev mode when no origins are
// configured.
var loopbackOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8001",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:8001",
}

// CORSPolicy is the validated cross-origin policy. Build it with
// NewCORSPolicy; the constructor enforces the credentials/wildcard
// exclusion.
type CORSPolicy struct {
	origins          []string
	wildcard         bool
	allowCredentials bool
}

// NewCORSPolicy normalizes the configured origins. A wildcard origin
// combined with credentials is refused: credentials are forced off and
// a warning logged. In dev mode an empty origin list falls back to the
// loopback set; otherwise empty means same-origin only.
func NewCORSPolicy(origins []string, allowCredentials, devMode bool, logger *slog.Logger) CORSPolicy {
	if len(origins) == 0 && devMode {
		origins = loopbackOrigins
	}

	p := CORSPolicy{allowCredentials: allowCredentials}
	for _, origin := range origins {
		if origin == "*" {
			p.wildcard = true
			continue
		}
		p.origins = append(p.origins, origin)
	}

	if p.wildcard && p.allowCredentials {
		if logger != nil {
			logger.Warn("CORS wildcard origin cannot be combined with credentials; disabling credentials")
		}
		p.allowCredentials = false
	}
	return p
}

func (p CORSPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.wildcard {
		return true
	}
	for _, allowed := range p.origins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// Middleware emits CORS headers for allowed origins and answers
// preflight requests.
func (p CORSPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if p.allows(origin) {
			if p.wildcard && !p.allowCredentials {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			if p.allowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+CSRFHeaderName+", "+RequestIDHeader)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
