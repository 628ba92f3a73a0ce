package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l0p7/habridge/internal/metrics"
)

// ErrNotConnected reports an operation that requires an authenticated session.
var ErrNotConnected = errors.New("eventstream: not connected")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
)

// Handler receives events for one subscription.
type Handler func(Event)

// Subscription describes one active event subscription for status reporting.
type Subscription struct {
	ID        int    `json:"id"`
	EventType string `json:"eventType"`
}

// Options configures the client.
type Options struct {
	// URL is the upstream HTTP base URL; the websocket endpoint is derived
	// from it (http -> ws, https -> wss, path /api/websocket).
	URL   string
	Token string

	// MaxReconnectAttempts halts reconnection once exceeded; zero retries forever.
	MaxReconnectAttempts int
	// MaxReconnectDelay caps the exponential backoff between attempts.
	MaxReconnectDelay time.Duration
}

// Client owns one persistent websocket session to the upstream server: the
// authentication handshake, event subscriptions, the dispatch loop and the
// reconnection policy. Events mutate the cache through the Policy strictly in
// arrival order; a single dispatch loop per connection guarantees that. The
// raw socket never leaves this type.
type Client struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	policy  *Policy

	wsURL       string
	token       string
	maxAttempts int
	maxDelay    time.Duration

	dialer  *websocket.Dialer
	randFn  func() float64
	sleepFn func(time.Duration)

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	messageID         int
	subscriptions     map[int]string
	callbacks         map[int]Handler
	pending           map[int]chan message
	reconnectAttempts int
	shouldReconnect   bool
	reconnecting      bool

	writeMu sync.Mutex
}

// New derives the websocket URL from the upstream base URL and prepares a
// disconnected client. Connect must be called to establish the session.
func New(logger *slog.Logger, recorder *metrics.Recorder, policy *Policy, opts Options) (*Client, error) {
	wsURL, err := websocketURL(opts.URL)
	if err != nil {
		return nil, err
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}
	return &Client{
		logger:        logger.With(slog.String("agent", "eventstream")),
		metrics:       recorder,
		policy:        policy,
		wsURL:         wsURL,
		token:         opts.Token,
		maxAttempts:   opts.MaxReconnectAttempts,
		maxDelay:      maxDelay,
		dialer:        &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		randFn:        rand.Float64,
		sleepFn:       time.Sleep,
		subscriptions: make(map[int]string),
		callbacks:     make(map[int]Handler),
		pending:       make(map[int]chan message),
	}, nil
}

// websocketURL maps an http(s) base URL onto the websocket endpoint.
func websocketURL(base string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("eventstream: parse upstream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("eventstream: unsupported upstream scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Connect performs one connection attempt: dial, wait for auth_required, send
// the credential, and wait for the auth result. On auth_ok it resets the
// reconnect counter, starts the dispatch loop and issues the default event
// subscriptions. A failed attempt leaves the client Disconnected and performs
// no retry of its own; retrying is the reconnection loop's job.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("eventstream: already connected")
	}
	c.shouldReconnect = true
	c.mu.Unlock()

	c.logger.Info("connecting to upstream event stream", slog.String("url", c.wsURL))

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("eventstream: dial: %w", err)
	}

	// The server speaks first: anything but auth_required is a protocol violation.
	first, err := readHandshakeMessage(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("eventstream: handshake read: %w", err)
	}
	if first.Type != typeAuthRequired {
		conn.Close()
		return fmt.Errorf("eventstream: expected %s, got %q", typeAuthRequired, first.Type)
	}

	if err := writeHandshakeMessage(conn, message{Type: typeAuth, AccessToken: c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("eventstream: send auth: %w", err)
	}

	result, err := readHandshakeMessage(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("eventstream: auth result read: %w", err)
	}
	if result.Type != typeAuthOK {
		conn.Close()
		return fmt.Errorf("eventstream: authentication rejected: %s %s", result.Type, result.Message)
	}

	// Dispatch reads are unbounded; the connection lives until closed.
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.reconnectAttempts = 0
	c.reconnecting = false
	c.mu.Unlock()

	c.metrics.SetStreamConnected(true)
	c.logger.Info("event stream connected and authenticated")

	go c.dispatchLoop(conn)

	for _, eventType := range []string{EventStateChanged, EventServiceRegistered, EventServiceRemoved} {
		if _, err := c.Subscribe(eventType, nil); err != nil {
			c.logger.Warn("default subscription failed",
				slog.String("event_type", eventType), slog.Any("error", err))
		}
	}
	return nil
}

func readHandshakeMessage(conn *websocket.Conn) (message, error) {
	_ = conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return message{}, err
	}
	return msg, nil
}

func writeHandshakeMessage(conn *websocket.Conn, msg message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(defaultHandshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(msg)
}

// Disconnect disables reconnection and closes the transport, which also ends
// the dispatch loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info("event stream disconnected")
}

// KickReconnect starts the reconnection loop for a client whose initial
// Connect failed. It is a no-op when connected or already reconnecting.
func (c *Client) KickReconnect() {
	c.mu.Lock()
	start := !c.connected && c.shouldReconnect && !c.reconnecting
	if start {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if start {
		go c.reconnectLoop()
	}
}

// IsConnected reports whether the session is authenticated and the transport open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil
}

// ReconnectAttempts returns the current reconnect counter for status reporting.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// ActiveSubscriptions lists the subscriptions of the current session.
func (c *Client) ActiveSubscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]Subscription, 0, len(c.subscriptions))
	for id, eventType := range c.subscriptions {
		subs = append(subs, Subscription{ID: id, EventType: eventType})
	}
	return subs
}

// Subscribe sends a subscribe_events message and registers the callback for
// that event type. Duplicate subscriptions to the same event type are allowed
// and tracked independently. The returned handle is the unsubscribe token.
func (c *Client) Subscribe(eventType string, callback Handler) (int, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	conn := c.conn
	id := c.nextIDLocked()
	c.subscriptions[id] = eventType
	if callback != nil {
		c.callbacks[id] = callback
	}
	total := len(c.subscriptions)
	c.mu.Unlock()

	if err := c.writeMessage(conn, message{ID: id, Type: typeSubscribeEvents, EventType: eventType}); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, id)
		delete(c.callbacks, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("eventstream: subscribe %s: %w", eventType, err)
	}

	c.logger.Info("subscribed to events",
		slog.String("event_type", eventType),
		slog.Int("message_id", id),
		slog.Int("total_subscriptions", total))
	return id, nil
}

// Unsubscribe removes one subscription by its handle.
func (c *Client) Unsubscribe(id int) error {
	c.mu.Lock()
	if _, ok := c.subscriptions[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("eventstream: unknown subscription %d", id)
	}
	delete(c.subscriptions, id)
	delete(c.callbacks, id)
	conn := c.conn
	connected := c.connected
	msgID := 0
	if connected && conn != nil {
		msgID = c.nextIDLocked()
	}
	c.mu.Unlock()

	if msgID == 0 {
		return nil
	}
	return c.writeMessage(conn, message{ID: msgID, Type: typeUnsubscribeEvents, Subscription: id})
}

// GetStates queries all entity states over the socket.
func (c *Client) GetStates(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, message{Type: typeGetStates})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// CallService invokes a service over the socket and returns the raw result.
func (c *Client) CallService(ctx context.Context, domain, service string, data json.RawMessage) (json.RawMessage, error) {
	resp, err := c.request(ctx, message{
		Type:        typeCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// request sends one correlated message and waits for the matching result.
func (c *Client) request(ctx context.Context, msg message) (message, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return message{}, ErrNotConnected
	}
	conn := c.conn
	msg.ID = c.nextIDLocked()
	waiter := make(chan message, 1)
	c.pending[msg.ID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.writeMessage(conn, msg); err != nil {
		return message{}, fmt.Errorf("eventstream: send %s: %w", msg.Type, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return message{}, ErrNotConnected
		}
		if resp.Success != nil && !*resp.Success {
			return message{}, fmt.Errorf("eventstream: %s rejected: %s", msg.Type, resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return message{}, fmt.Errorf("eventstream: await result %d: %w", msg.ID, ctx.Err())
	}
}

// nextIDLocked allocates a fresh correlation id. Caller holds c.mu.
func (c *Client) nextIDLocked() int {
	c.messageID++
	return c.messageID
}

func (c *Client) writeMessage(conn *websocket.Conn, msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// dispatchLoop receives messages until the transport closes. Events are applied
// in arrival order; results are routed to their correlation waiters; anything
// unrecognized is logged and ignored so a stray message can never kill the loop.
func (c *Client) dispatchLoop(conn *websocket.Conn) {
	c.logger.Debug("dispatch loop started")
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Error("failed to parse message", slog.Any("error", err))
			continue
		}

		switch msg.Type {
		case typeEvent:
			c.handleEventMessage(msg)
		case typeResult:
			c.mu.Lock()
			waiter, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				// No waiter for this id; subscribe acknowledgements land here.
				c.logger.Debug("result without waiter", slog.Int("message_id", msg.ID))
				continue
			}
			waiter <- msg
		case typePong:
		default:
			c.logger.Debug("unhandled message type", slog.String("type", msg.Type))
		}
	}
}

func (c *Client) handleEventMessage(msg message) {
	if msg.Event == nil {
		c.logger.Debug("event message without payload", slog.Int("message_id", msg.ID))
		return
	}
	c.metrics.ObserveEvent(msg.Event.EventType)

	if c.policy != nil {
		c.policy.HandleEvent(*msg.Event)
	}

	// Callbacks are registered per event type; every subscriber to this type
	// gets the event, regardless of which wire subscription delivered it.
	c.mu.Lock()
	var handlers []Handler
	for id, eventType := range c.subscriptions {
		if eventType != msg.Event.EventType {
			continue
		}
		if cb := c.callbacks[id]; cb != nil {
			handlers = append(handlers, cb)
		}
	}
	c.mu.Unlock()
	for _, cb := range handlers {
		cb(*msg.Event)
	}
}

// handleDisconnect tears down the session for this connection and, unless
// reconnection was explicitly disabled, hands control to the reconnect loop.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer session already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.subscriptions = make(map[int]string)
	c.callbacks = make(map[int]Handler)
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	reconnect := c.shouldReconnect && !c.reconnecting
	if reconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	_ = conn.Close()
	c.metrics.SetStreamConnected(false)
	c.logger.Warn("event stream connection closed", slog.Any("error", cause))

	if reconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries Connect with exponential backoff and jitter until it
// succeeds, retries are exhausted, or reconnection is disabled. It is the only
// long-lived retry mechanism; individual Connect calls never retry.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		if c.maxAttempts > 0 && c.reconnectAttempts >= c.maxAttempts {
			attempts := c.reconnectAttempts
			c.mu.Unlock()
			c.logger.Error("max reconnection attempts reached", slog.Int("attempts", attempts))
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		c.metrics.ObserveReconnectAttempt()
		wait := c.backoffDelay(attempt)
		c.logger.Warn("scheduling reconnection attempt",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait))
		c.sleepFn(wait)

		c.mu.Lock()
		enabled := c.shouldReconnect
		c.mu.Unlock()
		if !enabled {
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			c.logger.Info("reconnected successfully", slog.Int("after_attempts", attempt))
			return
		}
		c.logger.Warn("reconnection attempt failed",
			slog.Int("attempt", attempt), slog.Any("error", err))
	}
}

// backoffDelay computes min(2^attempt, maxDelay) plus up to 10% random jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	base := math.Min(math.Pow(2, float64(attempt)), c.maxDelay.Seconds())
	jitter := c.randFn() * 0.1 * base
	return time.Duration((base + jitter) * float64(time.Second))
}
