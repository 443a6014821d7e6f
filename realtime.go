package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all push events: a topic and an opaque
// payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler is a topic subscriber callback. Subscribers of a concrete topic
// receive the event payload; wildcard subscribers receive the full envelope.
type Handler func(topic string, data json.RawMessage)

// TopicWildcard subscribes to every event. Wildcard handlers are invoked
// after the topic's own handlers, with the full envelope as payload.
const TopicWildcard = "*"

// ErrNotConnected is returned by Send when the channel is not connected.
var ErrNotConnected = errors.New("presence: channel is not connected")

// ============================================================================
// Connection State
// ============================================================================

// State is the push-channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ============================================================================
// Backoff
// ============================================================================

const (
	// DefaultReconnectBaseDelay is the first reconnect delay; each further
	// attempt doubles it (1s, 2s, 4s, 8s, 16s).
	DefaultReconnectBaseDelay = 1 * time.Second

	// DefaultMaxReconnectAttempts is the reconnect ceiling; past it the
	// channel stays Disconnected until Connect is called again.
	DefaultMaxReconnectAttempts = 5
)

// backoff tracks reconnect attempts and computes the exponentially growing
// delay schedule. Not goroutine safe; callers hold the channel lock.
type backoff struct {
	base        time.Duration
	maxAttempts int
	attempts    int
}

// next consumes one attempt and returns its delay. ok is false once the
// attempt ceiling is reached.
func (b *backoff) next() (delay time.Duration, ok bool) {
	if b.attempts >= b.maxAttempts {
		return 0, false
	}
	b.attempts++
	return b.base << (b.attempts - 1), true
}

func (b *backoff) reset() {
	b.attempts = 0
}

// ============================================================================
// Channel
// ============================================================================

// Channel maintains the single persistent push connection to the server and
// fans inbound events out to topic subscribers. Dropped connections are
// reconnected automatically with exponential backoff up to a fixed attempt
// ceiling; an intentional Disconnect stops reconnection permanently until
// the next Connect.
//
// Handlers for one message run synchronously, in registration order, on the
// read loop; there is no ordering guarantee relative to concurrent outbound
// requests.
type Channel struct {
	baseURL string
	token   string
	log     *slog.Logger

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	intentionalClose bool
	bo               backoff

	subMu  sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	onConnected    []func()
	onDisconnected []func()
}

type subscription struct {
	id uint64
	fn Handler
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelToken sets the auth token appended to the connection URL.
func WithChannelToken(token string) ChannelOption {
	return func(c *Channel) { c.token = token }
}

// WithChannelLogger sets the channel's logger. The default discards.
func WithChannelLogger(log *slog.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

// WithReconnectBackoff overrides the reconnect schedule. Useful for tests;
// production uses the 1s-base, 5-attempt default.
func WithReconnectBackoff(base time.Duration, maxAttempts int) ChannelOption {
	return func(c *Channel) { c.bo = backoff{base: base, maxAttempts: maxAttempts} }
}

// NewChannel creates a push channel for the given API base URL. The channel
// connects at the fixed /ws path; call Connect to open it.
func NewChannel(baseURL string, opts ...ChannelOption) *Channel {
	c := &Channel{
		baseURL: strings.TrimRight(baseURL, "/"),
		state:   StateDisconnected,
		bo:      backoff{base: DefaultReconnectBaseDelay, maxAttempts: DefaultMaxReconnectAttempts},
		subs:    make(map[string][]subscription),
		log:     discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is currently connected.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

func (c *Channel) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if c.token != "" {
		u += "?token=" + c.token
	}
	return u
}

// Connect opens the push channel. A call while the channel is already
// Connected (or mid-Connecting) is a no-op and does not reset the
// reconnect-attempt counter. A successful open clears the intentional-close
// latch, resets the attempt counter and notifies connected listeners.
// A Disconnect issued while the dial is in flight wins: the fresh
// connection is closed and the channel stays down.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("channel dial: %w", err)
	}

	c.mu.Lock()
	if c.intentionalClose {
		// Disconnect was called while the dial was in flight; the
		// channel must stay down.
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.bo.reset()
	c.mu.Unlock()

	c.notifyConnected()

	go c.readLoop(conn)
	return nil
}

// Disconnect latches the intentional-close flag and closes the connection.
// No reconnection is scheduled afterward.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers a handler for a topic (or TopicWildcard) and returns
// its unsubscribe function. Removing the last handler for a topic prunes
// the topic entry; unsubscribing never affects other handlers.
func (c *Channel) Subscribe(topic string, h Handler) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[topic] = append(c.subs[topic], subscription{id: id, fn: h})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		handlers := c.subs[topic]
		for i, s := range handlers {
			if s.id == id {
				c.subs[topic] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
		if len(c.subs[topic]) == 0 {
			delete(c.subs, topic)
		}
	}
}

// OnConnected registers a listener invoked after every successful connect,
// including reconnects. SyncManager.OnlineNotify is a typical listener.
func (c *Channel) OnConnected(f func()) {
	c.subMu.Lock()
	c.onConnected = append(c.onConnected, f)
	c.subMu.Unlock()
}

// OnDisconnected registers a listener invoked when the connection drops
// unexpectedly.
func (c *Channel) OnDisconnected(f func()) {
	c.subMu.Lock()
	c.onDisconnected = append(c.onDisconnected, f)
	c.subMu.Unlock()
}

// Send writes a generic outbound command on the channel.
func (c *Channel) Send(ctx context.Context, eventType string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal channel payload: %w", err)
	}
	frame, err := json.Marshal(&Envelope{Type: eventType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal channel envelope: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ============================================================================
// Internals
// ============================================================================

func (c *Channel) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()

			if intentional {
				return
			}

			c.notifyDisconnected()
			c.scheduleReconnect()
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
			// Malformed frames never close the connection.
			c.log.Warn("channel: ignoring malformed message")
			continue
		}
		c.dispatch(&env, frame)
	}
}

// dispatch invokes topic handlers with the event payload, then wildcard
// handlers with the full envelope, synchronously and in registration order.
func (c *Channel) dispatch(env *Envelope, frame []byte) {
	c.subMu.RLock()
	topicHandlers := append([]subscription(nil), c.subs[env.Type]...)
	wildcardHandlers := append([]subscription(nil), c.subs[TopicWildcard]...)
	c.subMu.RUnlock()

	for _, s := range topicHandlers {
		c.invoke(s.fn, env.Type, env.Data)
	}
	for _, s := range wildcardHandlers {
		c.invoke(s.fn, env.Type, frame)
	}
}

// invoke shields the read loop from panicking subscribers.
func (c *Channel) invoke(h Handler, topic string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("channel: subscriber panicked",
				slog.String("topic", topic), slog.Any("panic", r))
		}
	}()
	h(topic, data)
}

func (c *Channel) notifyConnected() {
	c.subMu.RLock()
	listeners := append([]func(){}, c.onConnected...)
	c.subMu.RUnlock()
	for _, f := range listeners {
		f()
	}
}

func (c *Channel) notifyDisconnected() {
	c.subMu.RLock()
	listeners := append([]func(){}, c.onDisconnected...)
	c.subMu.RUnlock()
	for _, f := range listeners {
		f()
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	delay, ok := c.bo.next()
	attempt := c.bo.attempts
	c.mu.Unlock()

	if !ok {
		c.log.Warn("channel: reconnect attempts exhausted; call Connect to resume")
		return
	}
	c.log.Info("channel: scheduling reconnect",
		slog.Int("attempt", attempt), slog.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		abort := c.intentionalClose
		c.mu.Unlock()
		if abort {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.scheduleReconnect()
		}
	})
}
