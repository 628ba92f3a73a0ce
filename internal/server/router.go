package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/habridge/internal/admission"
)

// NewRouter assembles the bridge routes. Introspection endpoints bypass the
// admission gate; everything under /api/v1/ is admitted first.
func NewRouter(b *Bridge) http.Handler {
	mux := http.NewServeMux()

	api := func(pattern, route string, handler http.HandlerFunc) {
		mux.Handle(pattern, b.instrument(route, b.admit(handler)))
	}
	open := func(pattern, route string, handler http.Handler) {
		mux.Handle(pattern, b.instrument(route, handler))
	}

	api("GET /api/v1/states", "/api/v1/states", b.handleStates)
	api("GET /api/v1/states/{entity}", "/api/v1/states/{entity}", b.handleState)
	api("POST /api/v1/states/{entity}", "/api/v1/states/{entity}", b.handleSetState)
	api("POST /api/v1/services/{domain}/{service}", "/api/v1/services/{domain}/{service}", b.handleCallService)
	api("GET /api/v1/services", "/api/v1/services", b.handleServices)
	api("GET /api/v1/config", "/api/v1/config", b.handleConfig)

	open("GET /health", "/health", http.HandlerFunc(b.handleHealth))
	open("GET /status", "/status", http.HandlerFunc(b.handleStatus))
	open("GET /metrics", "/metrics", b.metrics.Handler())

	return mux
}

// admit enforces authentication and the rate limit before a handler runs.
// Paths configured as bypass skip both, including the window bookkeeping.
func (b *Bridge) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.gate.Bypass(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := b.gate.Admit(bearerToken(r), r.RemoteAddr)
		if err != nil {
			var limited *admission.RateLimitedError
			switch {
			case errors.As(err, &limited):
				w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			default:
				w.Header().Set("WWW-Authenticate", `Bearer realm="habridge"`)
				writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			}
			return
		}

		b.logger.Debug("request admitted",
			slog.String("identity", identity),
			slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// instrument records the request counter and latency under a stable route label.
func (b *Bridge) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		b.metrics.ObserveRequest(route, r.Method, recorder.status, time.Since(start))
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
