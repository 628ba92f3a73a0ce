package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/habridge/internal/admission"
	"github.com/l0p7/habridge/internal/cache"
	"github.com/l0p7/habridge/internal/eventstream"
	"github.com/l0p7/habridge/internal/scheduler"
)

// fakeUpstream satisfies Upstream with canned payloads and call counters.
type fakeUpstream struct {
	statesCalls   atomic.Int64
	servicesCalls atomic.Int64
	stateErr      error
	stateDelay    time.Duration
	pingOK        bool
}

func (f *fakeUpstream) States(context.Context) (json.RawMessage, error) {
	f.statesCalls.Add(1)
	return json.RawMessage(`[{"entity_id":"light.kitchen","state":"on"}]`), nil
}

func (f *fakeUpstream) State(ctx context.Context, entityID string) (json.RawMessage, error) {
	if f.stateDelay > 0 {
		select {
		case <-time.After(f.stateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return json.RawMessage(fmt.Sprintf(`{"entity_id":%q,"state":"on"}`, entityID)), nil
}

func (f *fakeUpstream) SetState(_ context.Context, entityID string, body json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"entity_id":%q,"written":%s}`, entityID, body)), nil
}

func (f *fakeUpstream) CallService(_ context.Context, domain, service string, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"domain":%q,"service":%q}`, domain, service)), nil
}

func (f *fakeUpstream) Services(context.Context) (json.RawMessage, error) {
	f.servicesCalls.Add(1)
	return json.RawMessage(`{"light":["turn_on","turn_off"]}`), nil
}

func (f *fakeUpstream) Config(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"location_name":"Home"}`), nil
}

func (f *fakeUpstream) Ping(context.Context) bool { return f.pingOK }

type fakeStream struct {
	connected bool
	attempts  int
}

func (f *fakeStream) IsConnected() bool      { return f.connected }
func (f *fakeStream) ReconnectAttempts() int { return f.attempts }
func (f *fakeStream) ActiveSubscriptions() []eventstream.Subscription {
	return []eventstream.Subscription{{ID: 1, EventType: eventstream.EventStateChanged}}
}

type bridgeFixture struct {
	up     *fakeUpstream
	caches *cache.Manager
	expect *httpexpect.Expect
}

func newBridgeFixture(t *testing.T, mutate func(*bridgeOptions)) *bridgeFixture {
	t.Helper()

	opts := &bridgeOptions{
		rateMax:      100,
		rateWindow:   time.Minute,
		bypassPaths:  []string{"/health", "/status", "/metrics"},
		schedTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(opts)
	}

	cfg := validTestConfig()
	cfg.RateLimit.MaxRequests = opts.rateMax
	cfg.RateLimit.WindowSeconds = int(opts.rateWindow.Seconds())
	cfg.Scheduler.TimeoutSeconds = durationSeconds(opts.schedTimeout)
	cfg.Auth.BypassPaths = opts.bypassPaths

	logger := newTestLogger()
	caches := cache.New(logger, []cache.Definition{
		{Name: cache.States, TTL: time.Minute, Capacity: 100},
		{Name: cache.Services, TTL: 2 * time.Minute, Capacity: 10},
		{Name: cache.Config, TTL: 10 * time.Minute, Capacity: 5},
	})
	gate := admission.New(logger, nil, cfg.Auth.APIKeys, opts.rateMax, opts.rateWindow, opts.bypassPaths)
	sched := scheduler.New(logger, 4)
	t.Cleanup(sched.Shutdown)

	up := &fakeUpstream{pingOK: true}
	if opts.upstream != nil {
		up = opts.upstream
	}

	bridge := NewBridge(cfg, logger, nil, caches, gate, sched, up, &fakeStream{connected: true, attempts: 0})
	server := httptest.NewServer(NewRouter(bridge))
	t.Cleanup(server.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Timeout: 10 * time.Second},
	})
	return &bridgeFixture{up: up, caches: caches, expect: expect}
}

type bridgeOptions struct {
	rateMax      int
	rateWindow   time.Duration
	bypassPaths  []string
	schedTimeout time.Duration
	upstream     *fakeUpstream
}

func durationSeconds(d time.Duration) int {
	if s := int(d.Seconds()); s > 0 {
		return s
	}
	return 1
}

func authed(req *httpexpect.Request) *httpexpect.Request {
	return req.WithHeader("Authorization", "Bearer test-key")
}

func TestStatesServedFromCacheAfterFirstFetch(t *testing.T) {
	f := newBridgeFixture(t, nil)

	authed(f.expect.GET("/api/v1/states")).Expect().
		Status(http.StatusOK).JSON().Array().Length().IsEqual(1)
	authed(f.expect.GET("/api/v1/states")).Expect().Status(http.StatusOK)

	require.Equal(t, int64(1), f.up.statesCalls.Load())

	_, ok := f.caches.Get(cache.States, cache.KeyAllStates)
	require.True(t, ok)
}

func TestEntityStateRoundTrip(t *testing.T) {
	f := newBridgeFixture(t, nil)

	resp := authed(f.expect.GET("/api/v1/states/light.kitchen")).Expect().Status(http.StatusOK)
	resp.JSON().Object().HasValue("entity_id", "light.kitchen")

	_, ok := f.caches.Get(cache.States, cache.StateKey("light.kitchen"))
	require.True(t, ok)
}

func TestSetStateWritesThroughAndDropsAggregate(t *testing.T) {
	f := newBridgeFixture(t, nil)

	f.caches.Set(cache.States, cache.KeyAllStates, json.RawMessage(`[]`))

	authed(f.expect.POST("/api/v1/states/light.kitchen")).
		WithBytes([]byte(`{"state":"off"}`)).Expect().Status(http.StatusOK)

	value, ok := f.caches.Get(cache.States, cache.StateKey("light.kitchen"))
	require.True(t, ok)
	require.Contains(t, string(value.(json.RawMessage)), `"state":"off"`)

	_, ok = f.caches.Get(cache.States, cache.KeyAllStates)
	require.False(t, ok)
}

func TestSetStateRejectsInvalidBody(t *testing.T) {
	f := newBridgeFixture(t, nil)

	authed(f.expect.POST("/api/v1/states/light.kitchen")).
		WithBytes([]byte(`not json`)).Expect().
		Status(http.StatusBadRequest).JSON().Object().ContainsKey("error").ContainsKey("timestamp")
}

func TestCallServiceLeavesCacheAlone(t *testing.T) {
	f := newBridgeFixture(t, nil)

	f.caches.Set(cache.States, cache.StateKey("light.kitchen"), json.RawMessage(`{"state":"on"}`))

	authed(f.expect.POST("/api/v1/services/light/turn_off")).
		WithBytes([]byte(`{"entity_id":"light.kitchen"}`)).Expect().
		Status(http.StatusOK).JSON().Object().HasValue("service", "turn_off")

	_, ok := f.caches.Get(cache.States, cache.StateKey("light.kitchen"))
	require.True(t, ok)
}

func TestServicesAndConfigCached(t *testing.T) {
	f := newBridgeFixture(t, nil)

	authed(f.expect.GET("/api/v1/services")).Expect().Status(http.StatusOK)
	authed(f.expect.GET("/api/v1/services")).Expect().Status(http.StatusOK)
	require.Equal(t, int64(1), f.up.servicesCalls.Load())

	authed(f.expect.GET("/api/v1/config")).Expect().
		Status(http.StatusOK).JSON().Object().HasValue("location_name", "Home")
}

func TestMissingCredentialRejected(t *testing.T) {
	f := newBridgeFixture(t, nil)

	resp := f.expect.GET("/api/v1/states").Expect().Status(http.StatusUnauthorized)
	resp.Header("WWW-Authenticate").Contains("Bearer")
	resp.JSON().Object().ContainsKey("error").ContainsKey("timestamp")

	f.expect.GET("/api/v1/states").WithHeader("Authorization", "Bearer wrong").
		Expect().Status(http.StatusUnauthorized)
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	f := newBridgeFixture(t, func(o *bridgeOptions) {
		o.rateMax = 2
		o.rateWindow = 30 * time.Second
	})

	authed(f.expect.GET("/api/v1/states")).Expect().Status(http.StatusOK)
	authed(f.expect.GET("/api/v1/states")).Expect().Status(http.StatusOK)

	resp := authed(f.expect.GET("/api/v1/states")).Expect().Status(http.StatusTooManyRequests)
	resp.Header("Retry-After").IsEqual("30")
	resp.JSON().Object().ContainsKey("error")
}

func TestConfiguredBypassSkipsAdmission(t *testing.T) {
	f := newBridgeFixture(t, func(o *bridgeOptions) {
		o.bypassPaths = []string{"/health", "/status", "/metrics", "/api/v1/config"}
	})

	// No credential at all, still served.
	f.expect.GET("/api/v1/config").Expect().Status(http.StatusOK)
}

func TestHealthAndStatusBypassAuth(t *testing.T) {
	f := newBridgeFixture(t, nil)

	health := f.expect.GET("/health").Expect().Status(http.StatusOK).JSON().Object()
	health.HasValue("status", "ok")
	health.HasValue("haConnected", true)
	health.HasValue("websocketConnected", true)

	status := f.expect.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	status.ContainsKey("scheduler")
	status.ContainsKey("caches")
	status.Value("eventStream").Object().HasValue("connected", true)
}

func TestHealthDegradedWhenUpstreamDown(t *testing.T) {
	f := newBridgeFixture(t, func(o *bridgeOptions) {
		o.upstream = &fakeUpstream{pingOK: false}
	})

	f.expect.GET("/health").Expect().
		Status(http.StatusServiceUnavailable).JSON().Object().HasValue("status", "degraded")
}

func TestSchedulerTimeoutMapsToGatewayTimeout(t *testing.T) {
	f := newBridgeFixture(t, func(o *bridgeOptions) {
		o.schedTimeout = time.Second
		o.upstream = &fakeUpstream{pingOK: true, stateDelay: 3 * time.Second}
	})

	authed(f.expect.GET("/api/v1/states/light.slow")).Expect().
		Status(http.StatusGatewayTimeout).JSON().Object().ContainsKey("error")
}

func TestUpstreamFailureMapsToBadGateway(t *testing.T) {
	f := newBridgeFixture(t, func(o *bridgeOptions) {
		o.upstream = &fakeUpstream{pingOK: true, stateErr: fmt.Errorf("connection refused")}
	})

	authed(f.expect.GET("/api/v1/states/light.broken")).Expect().
		Status(http.StatusBadGateway).JSON().Object().ContainsKey("error")
}
