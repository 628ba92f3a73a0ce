package admission

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/l0p7/habridge/internal/metrics"
)

// ErrUnauthorized reports a missing or unknown credential.
var ErrUnauthorized = errors.New("admission: invalid or missing api key")

// RateLimitedError reports an exhausted sliding window along with how long the
// caller should wait before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("admission: rate limit exceeded, retry after %s", e.RetryAfter)
}

// Gate performs the authentication and rate-limiting checks a request must
// pass before it may consume upstream resources. Designated bypass paths
// (health, metrics, introspection) skip the gate entirely and are never
// counted against any window.
type Gate struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	keys   map[string]struct{}
	window *slidingWindow
	bypass map[string]struct{}
}

// New builds a gate from the static key allow-set, the sliding-window bounds
// and the bypass path list.
func New(logger *slog.Logger, recorder *metrics.Recorder, apiKeys []string, maxRequests int, window time.Duration, bypassPaths []string) *Gate {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, key := range apiKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		keys[trimmed] = struct{}{}
	}
	bypass := make(map[string]struct{}, len(bypassPaths))
	for _, path := range bypassPaths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		bypass[trimmed] = struct{}{}
	}
	return &Gate{
		logger:  logger.With(slog.String("agent", "admission")),
		metrics: recorder,
		keys:    keys,
		window:  newSlidingWindow(maxRequests, window),
		bypass:  bypass,
	}
}

// Bypass reports whether the path is exempt from admission control.
func (g *Gate) Bypass(path string) bool {
	_, ok := g.bypass[path]
	return ok
}

// Authenticate matches the bearer credential against the allow-set exactly.
// The credential doubles as the caller's identity.
func (g *Gate) Authenticate(credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrUnauthorized
	}
	if _, ok := g.keys[credential]; !ok {
		g.metrics.ObserveRejection(metrics.RejectionUnauthorized)
		return "", ErrUnauthorized
	}
	return credential, nil
}

// CheckRate admits the request when the identity+address window has room,
// recording the request in the same step. A RateLimitedError carries the
// window duration as the retry hint.
func (g *Gate) CheckRate(identity, sourceAddress string) error {
	key := identity + ":" + remoteHost(sourceAddress)
	if g.window.allow(key) {
		return nil
	}
	g.metrics.ObserveRejection(metrics.RejectionRateLimited)
	g.logger.Warn("rate limit exceeded",
		slog.String("identity", identity),
		slog.String("source", remoteHost(sourceAddress)),
		slog.Duration("window", g.window.window))
	return &RateLimitedError{RetryAfter: g.window.window}
}

// Admit runs both checks in order and returns the authenticated identity.
func (g *Gate) Admit(credential, sourceAddress string) (string, error) {
	identity, err := g.Authenticate(credential)
	if err != nil {
		return "", err
	}
	if err := g.CheckRate(identity, sourceAddress); err != nil {
		return "", err
	}
	return identity, nil
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
