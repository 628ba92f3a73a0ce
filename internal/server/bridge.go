package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/habridge/internal/admission"
	"github.com/l0p7/habridge/internal/cache"
	"github.com/l0p7/habridge/internal/config"
	"github.com/l0p7/habridge/internal/eventstream"
	"github.com/l0p7/habridge/internal/metrics"
	"github.com/l0p7/habridge/internal/scheduler"
)

// maxRequestBody bounds state and service-call payloads read from clients.
const maxRequestBody = 1 << 20

// Upstream is the slice of the REST client the bridge handlers call through
// the scheduler.
type Upstream interface {
	States(ctx context.Context) (json.RawMessage, error)
	State(ctx context.Context, entityID string) (json.RawMessage, error)
	SetState(ctx context.Context, entityID string, body json.RawMessage) (json.RawMessage, error)
	CallService(ctx context.Context, domain, service string, data json.RawMessage) (json.RawMessage, error)
	Services(ctx context.Context) (json.RawMessage, error)
	Config(ctx context.Context) (json.RawMessage, error)
	Ping(ctx context.Context) bool
}

// Stream is the event-stream status surface reported by /health and /status.
// It is nil when the event stream is disabled.
type Stream interface {
	IsConnected() bool
	ReconnectAttempts() int
	ActiveSubscriptions() []eventstream.Subscription
}

// Bridge serves the cached REST facade. Reads consult the named caches before
// paying for a scheduler slot; writes always go upstream and then reconcile
// the cache. Every upstream call is funneled through the scheduler so client
// load can never exceed the configured concurrency.
type Bridge struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	caches   *cache.Manager
	gate     *admission.Gate
	sched    *scheduler.Scheduler
	upstream Upstream
	stream   Stream
	started  time.Time
}

// NewBridge wires the facade. stream may be nil when the event stream is disabled.
func NewBridge(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder,
	caches *cache.Manager, gate *admission.Gate, sched *scheduler.Scheduler,
	up Upstream, stream Stream) *Bridge {
	return &Bridge{
		cfg:      cfg,
		logger:   logger.With(slog.String("agent", "bridge")),
		metrics:  recorder,
		caches:   caches,
		gate:     gate,
		sched:    sched,
		upstream: up,
		stream:   stream,
		started:  time.Now(),
	}
}

// serveCached answers from the named cache when possible, otherwise schedules
// the upstream fetch and populates the cache with the result.
func (b *Bridge) serveCached(w http.ResponseWriter, r *http.Request,
	cacheName, key string, priority scheduler.Priority,
	fetch func(ctx context.Context) (json.RawMessage, error)) {
	if value, ok := b.caches.Get(cacheName, key); ok {
		b.metrics.ObserveCache(cacheName, metrics.CacheOperationGet, "hit")
		if raw, ok := value.(json.RawMessage); ok {
			writeRaw(w, http.StatusOK, raw)
			return
		}
		// A foreign value under this key is treated as a miss.
		b.caches.Delete(cacheName, key)
	}
	b.metrics.ObserveCache(cacheName, metrics.CacheOperationGet, "miss")

	raw, ok := b.schedule(w, r, priority, fetch)
	if !ok {
		return
	}
	b.caches.Set(cacheName, key, raw)
	b.metrics.ObserveCache(cacheName, metrics.CacheOperationSet, "populated")
	writeRaw(w, http.StatusOK, raw)
}

// schedule submits one upstream call and maps scheduler outcomes onto HTTP
// status codes. The boolean reports whether a payload was produced; on false
// the response has already been written.
func (b *Bridge) schedule(w http.ResponseWriter, r *http.Request, priority scheduler.Priority,
	fetch func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool) {
	result, err := b.sched.Submit(r.Context(), priority, b.cfg.Scheduler.Timeout(),
		func(ctx context.Context) (any, error) {
			return fetch(ctx)
		})
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "upstream request timed out")
		case errors.Is(err, scheduler.ErrShutdown):
			writeError(w, http.StatusServiceUnavailable, "bridge is shutting down")
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to write.
		default:
			b.logger.Error("upstream request failed",
				slog.String("path", r.URL.Path), slog.Any("error", err))
			writeError(w, http.StatusBadGateway, "upstream request failed")
		}
		return nil, false
	}
	raw, ok := result.(json.RawMessage)
	if !ok {
		writeError(w, http.StatusBadGateway, "upstream returned an unexpected payload")
		return nil, false
	}
	return raw, true
}

func (b *Bridge) handleStates(w http.ResponseWriter, r *http.Request) {
	b.serveCached(w, r, cache.States, cache.KeyAllStates, scheduler.High, b.upstream.States)
}

func (b *Bridge) handleState(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity")
	b.serveCached(w, r, cache.States, cache.StateKey(entityID), scheduler.High,
		func(ctx context.Context) (json.RawMessage, error) {
			return b.upstream.State(ctx, entityID)
		})
}

func (b *Bridge) handleSetState(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body must be valid json")
		return
	}

	raw, ok := b.schedule(w, r, scheduler.Critical, func(ctx context.Context) (json.RawMessage, error) {
		return b.upstream.SetState(ctx, entityID, body)
	})
	if !ok {
		return
	}

	// The write went through upstream; the cached entity follows immediately
	// and the aggregate snapshot is stale until re-fetched.
	b.caches.Set(cache.States, cache.StateKey(entityID), raw)
	b.caches.Delete(cache.States, cache.KeyAllStates)
	b.metrics.ObserveCache(cache.States, metrics.CacheOperationSet, "write_through")

	writeRaw(w, http.StatusOK, raw)
}

func (b *Bridge) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	service := r.PathValue("service")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body must be valid json")
		return
	}

	// Cache entries are left alone here; the resulting state changes arrive
	// over the event stream and invalidate whatever they touch.
	raw, ok := b.schedule(w, r, scheduler.Critical, func(ctx context.Context) (json.RawMessage, error) {
		return b.upstream.CallService(ctx, domain, service, body)
	})
	if !ok {
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (b *Bridge) handleServices(w http.ResponseWriter, r *http.Request) {
	b.serveCached(w, r, cache.Services, cache.KeyServices, scheduler.Normal, b.upstream.Services)
}

func (b *Bridge) handleConfig(w http.ResponseWriter, r *http.Request) {
	b.serveCached(w, r, cache.Config, cache.KeyConfig, scheduler.Low, b.upstream.Config)
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	haConnected := b.upstream.Ping(ctx)
	wsConnected := b.stream != nil && b.stream.IsConnected()

	status := "ok"
	code := http.StatusOK
	if !haConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"haConnected":        haConnected,
		"websocketConnected": wsConnected,
		"uptimeSeconds":      int(time.Since(b.started).Seconds()),
	})
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := b.sched.Stats()
	b.metrics.SetSchedulerStats(stats.Queued, stats.Running, stats.Capacity)

	payload := map[string]any{
		"scheduler": stats,
		"caches":    b.caches.Stats(),
		"settings": map[string]any{
			"cacheTtlSeconds":    b.cfg.Cache.TTLSeconds,
			"rateLimitMax":       b.cfg.RateLimit.MaxRequests,
			"rateLimitWindowSec": b.cfg.RateLimit.WindowSeconds,
			"schedulerSlots":     b.cfg.Scheduler.MaxConcurrent,
			"eventStreamEnabled": b.cfg.EventStream.Enabled,
			"filterEnabled":      b.cfg.EventStream.Filter.Enabled,
		},
	}
	if b.stream != nil {
		payload["eventStream"] = map[string]any{
			"connected":         b.stream.IsConnected(),
			"reconnectAttempts": b.stream.ReconnectAttempts(),
			"subscriptions":     b.stream.ActiveSubscriptions(),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the fixed error body shared by every failure path.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
