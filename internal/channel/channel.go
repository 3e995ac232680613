// Package channel maintains one logical connection to the research server:
// connect, reconnect with exponential backoff, keepalive pings, session
// rebinding, and a non-blocking send path with transparent queueing.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/crew-research/client/internal/wire"
)

// State represents the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBase        = time.Second
	defaultMaxReconnectDelay    = 30 * time.Second
	defaultKeepaliveInterval    = 30 * time.Second
)

// Config holds channel configuration. Zero values fall back to defaults.
type Config struct {
	// Origin is the server base URL, e.g. "http://localhost:8080" or
	// "wss://example.com". The WebSocket scheme mirrors it: https
	// becomes wss, http becomes ws.
	Origin string

	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	MaxReconnectDelay    time.Duration
	KeepaliveInterval    time.Duration

	// Dialer overrides the transport dialer; defaults to the
	// WebSocket dialer.
	Dialer Dialer
}

// Callbacks are invoked by the channel as the connection evolves. Events
// are delivered synchronously from the read loop, in arrival order. All
// callbacks are optional.
type Callbacks struct {
	OnStateChange func(state State)
	OnEvent       func(msg *wire.Message)
	OnError       func(err error)
}

// Channel owns one logical connection and its outbound queue.
type Channel struct {
	cfg       Config
	callbacks Callbacks

	mu         sync.Mutex
	state      State
	sessionKey string
	transport  Transport
	queue      []any
	attempts   int

	// epoch invalidates callbacks from superseded transports and timers.
	epoch int

	keepaliveStop chan struct{}
	lastPong      time.Time

	writeMu sync.Mutex

	// afterFunc schedules the reconnect timer; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New creates a channel in the Disconnected state. Nothing happens until
// Connect is called.
func New(cfg Config, callbacks Callbacks) *Channel {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer()
	}

	return &Channel{
		cfg:       cfg,
		callbacks: callbacks,
		state:     StateDisconnected,
		afterFunc: time.AfterFunc,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionKey returns the session key the channel is currently bound to.
// Empty means the default, unscoped session.
func (c *Channel) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// AdoptSessionKey records a server-assigned session key without touching
// the live transport. Future reconnects use the new key.
func (c *Channel) AdoptSessionKey(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = sessionKey
}

// LastPong returns the time of the most recent pong frame.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// QueueLen returns the number of queued outbound messages.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect binds the channel to the given session key and opens the
// transport. A no-op while a connection attempt is in flight or the
// transport is already open. An empty key means the default session.
func (c *Channel) Connect(sessionKey string) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.sessionKey = sessionKey
	c.epoch++
	epoch := c.epoch
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	go c.dial(epoch, sessionKey)
}

// Rebind closes any existing transport and connects under a new session
// key. Must be used whenever the logical conversation changes.
func (c *Channel) Rebind(sessionKey string) {
	c.mu.Lock()
	c.epoch++
	t := c.transport
	c.transport = nil
	c.stopKeepaliveLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.notifyState(StateDisconnected)
	c.Connect(sessionKey)
}

// ReconnectManually resets the attempt counter and forces an immediate
// close and reconnect cycle, bypassing the backoff delay. This is the
// only way out of the Closed state besides Rebind.
func (c *Channel) ReconnectManually() {
	c.mu.Lock()
	c.attempts = 0
	key := c.sessionKey
	c.epoch++
	t := c.transport
	c.transport = nil
	c.stopKeepaliveLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.notifyState(StateDisconnected)
	c.Connect(key)
}

// Close shuts the channel down for good. No reconnect is scheduled.
func (c *Channel) Close() {
	c.mu.Lock()
	c.epoch++
	t := c.transport
	c.transport = nil
	c.stopKeepaliveLocked()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.notifyState(StateClosed)
}

// Send serializes message and transmits it if the connection is open.
// Otherwise, or on any transmission failure, the message is appended to
// the outbound queue and false is returned. Send never blocks on the
// network state and never returns an error to the caller; queued
// messages are flushed in FIFO order on the next successful open.
func (c *Channel) Send(message any) bool {
	c.mu.Lock()
	if c.state != StateOpen || c.transport == nil {
		c.queue = append(c.queue, message)
		// Opportunistically connect, but never from Closed (that state
		// requires an explicit user action) and never while a connect
		// attempt or backoff timer is already pending.
		connect := c.state == StateDisconnected
		key := c.sessionKey
		c.mu.Unlock()
		if connect {
			c.Connect(key)
		}
		return false
	}
	t := c.transport
	c.mu.Unlock()

	data, err := marshalMessage(message)
	if err != nil {
		log.Printf("channel: marshal outbound message: %v", err)
		c.enqueue(message)
		return false
	}

	c.writeMu.Lock()
	err = t.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		log.Printf("channel: write failed, queueing message: %v", err)
		c.enqueue(message)
		return false
	}
	return true
}

// WaitForOpen polls the connection state until it is Open, up to
// maxAttempts checks spaced by interval. Returns true once open. This is
// an explicit, capped retry used by callers that rebind and then send.
func (c *Channel) WaitForOpen(interval time.Duration, maxAttempts int) bool {
	for i := 0; i < maxAttempts; i++ {
		if c.State() == StateOpen {
			return true
		}
		time.Sleep(interval)
	}
	return c.State() == StateOpen
}

func (c *Channel) enqueue(message any) {
	c.mu.Lock()
	c.queue = append(c.queue, message)
	c.mu.Unlock()
}

// dial opens the transport for the given epoch. Runs on its own
// goroutine so Connect never blocks the caller.
func (c *Channel) dial(epoch int, sessionKey string) {
	endpoint, err := endpointURL(c.cfg.Origin, sessionKey)
	if err != nil {
		c.dialFailed(epoch, err)
		return
	}

	t, err := c.cfg.Dialer.Dial(context.Background(), endpoint)

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		// Superseded by a rebind, manual reconnect, or close.
		c.mu.Unlock()
		if err == nil {
			t.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.dialFailed(epoch, err)
		return
	}

	c.transport = t
	c.attempts = 0
	c.lastPong = time.Now()
	stop := make(chan struct{})
	c.keepaliveStop = stop
	queued := c.queue
	c.queue = nil
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	log.Printf("channel: connected (session=%q)", sessionKey)
	c.notifyState(StateOpen)

	// Flush queued messages in FIFO order through the normal send path.
	// A failed flush re-queues at the tail; the queue snapshot above
	// prevents re-flushing the same message in a loop.
	for _, m := range queued {
		c.Send(m)
	}

	go c.readLoop(epoch, t)
	go c.keepalive(epoch, stop)
}

func (c *Channel) dialFailed(epoch int, err error) {
	log.Printf("channel: connect failed: %v", err)
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
	c.transportClosed(epoch, err)
}

// readLoop reads frames from the transport until it fails, decoding each
// text frame into a wire message. Malformed frames are logged and
// dropped; the coordinator never sees them.
func (c *Channel) readLoop(epoch int, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.transportClosed(epoch, err)
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("channel: dropping malformed frame: %v", err)
			continue
		}

		c.mu.Lock()
		current := c.epoch == epoch
		if current && msg.Type == wire.TypePong {
			c.lastPong = time.Now()
		}
		c.mu.Unlock()
		if !current {
			// Superseded by a rebind; this transport must not keep
			// delivering events.
			return
		}

		if c.callbacks.OnEvent != nil {
			c.callbacks.OnEvent(msg)
		}
	}
}

// keepalive sends a ping frame on a fixed interval while the connection
// stays open.
func (c *Channel) keepalive(epoch int, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			open := c.state == StateOpen && c.epoch == epoch
			t := c.transport
			c.mu.Unlock()
			if !open || t == nil {
				return
			}

			data, err := marshalMessage(wire.NewPing())
			if err != nil {
				return
			}
			c.writeMu.Lock()
			err = t.WriteMessage(data)
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("channel: keepalive write failed: %v", err)
				return
			}
		}
	}
}

// transportClosed handles the end of a transport's life: either a failed
// dial or a broken read loop. Schedules a reconnect while attempts
// remain, otherwise settles in Closed until ReconnectManually or Rebind.
func (c *Channel) transportClosed(epoch int, cause error) {
	c.mu.Lock()
	if c.epoch != epoch {
		// Stale transport; a rebind or manual action already moved on.
		c.mu.Unlock()
		return
	}
	c.stopKeepaliveLocked()
	c.transport = nil

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		log.Printf("channel: reconnect attempts exhausted, closing: %v", cause)
		c.notifyState(StateClosed)
		return
	}

	c.attempts++
	attempt := c.attempts
	key := c.sessionKey
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	delay := c.reconnectDelay(attempt)
	log.Printf("channel: reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay)
	c.notifyState(StateReconnecting)

	c.afterFunc(delay, func() {
		c.mu.Lock()
		stillWaiting := c.state == StateReconnecting
		c.mu.Unlock()
		// A manual reconnect or rebind in the interim wins; the stale
		// timer must not clobber it.
		if stillWaiting {
			c.Connect(key)
		}
	})
}

// reconnectDelay computes the backoff delay for the given attempt:
// base * 2^(attempt-1), capped at MaxReconnectDelay.
func (c *Channel) reconnectDelay(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxReconnectDelay {
			return c.cfg.MaxReconnectDelay
		}
	}
	if d > c.cfg.MaxReconnectDelay {
		return c.cfg.MaxReconnectDelay
	}
	return d
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
}

func (c *Channel) notifyState(s State) {
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(s)
	}
}

func (c *Channel) stopKeepaliveLocked() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
}

func marshalMessage(message any) ([]byte, error) {
	if raw, ok := message.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(message)
}

// endpointURL derives the transport endpoint from the configured origin
// and an optional session key: {ws|wss}://{host}/ws[/{sessionKey}].
func endpointURL(origin, sessionKey string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	if sessionKey != "" {
		u.Path = "/ws/" + sessionKey
	}
	return u.String(), nil
}
