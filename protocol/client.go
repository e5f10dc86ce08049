// Package protocol implements the streaming chat client: one websocket
// connection per channel with an application-level handshake, a heartbeat
// that runs independently of inbound processing, tagged-variant decoding of
// inbound frames, and autonomous reconnection with exponential backoff.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamhive/chatbot-worker/streamapi"
)

// ErrConnection indicates session resolution or the handshake failed.
var ErrConnection = errors.New("connection error")

// ErrTransport indicates the established connection dropped mid-session.
var ErrTransport = errors.New("transport error")

// State is the client's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

const (
	initialBackoff = time.Second
	dialTimeout    = 15 * time.Second
	writeTimeout   = 10 * time.Second
)

// ResolveFunc obtains a fresh chat session for each connect attempt. The
// supervisor injects a closure that decrypts the bot credential on demand so
// plaintext tokens never outlive a single attempt.
type ResolveFunc func(ctx context.Context) (*streamapi.ChatSession, error)

// SendFunc delivers an outbound chat message using the current session's
// access token.
type SendFunc func(ctx context.Context, accessToken, text string) error

// Options configures a Client. Callbacks are fixed at construction time;
// they are invoked from the client's own goroutines and must not block for
// long (the read loop waits on OnEvent to preserve per-channel ordering).
type Options struct {
	ChannelID            string
	Resolve              ResolveFunc
	Send                 SendFunc
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer

	OnEvent              func(Event)
	OnDisconnected       func(error)
	OnReconnectExhausted func()
}

// Client maintains exactly one streaming connection to a single channel's
// chat feed.
type Client struct {
	channelID   string
	resolve     ResolveFunc
	send        SendFunc
	hbInterval  time.Duration
	maxAttempts int
	dialer      *websocket.Dialer

	onEvent        func(Event)
	onDisconnected func(error)
	onExhausted    func()

	// writeMu serializes writes; gorilla/websocket allows one writer at a time.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	session      *streamapi.ChatSession
	attempts     int
	backoffTimer *time.Timer
	closed       bool
}

// NewClient constructs a client; it does not connect.
func NewClient(opts Options) (*Client, error) {
	if opts.ChannelID == "" {
		return nil, errors.New("protocol: channel id required")
	}
	if opts.Resolve == nil {
		return nil, errors.New("protocol: resolve func required")
	}
	c := &Client{
		channelID:      opts.ChannelID,
		resolve:        opts.Resolve,
		send:           opts.Send,
		hbInterval:     opts.HeartbeatInterval,
		maxAttempts:    opts.MaxReconnectAttempts,
		dialer:         opts.Dialer,
		onEvent:        opts.OnEvent,
		onDisconnected: opts.OnDisconnected,
		onExhausted:    opts.OnReconnectExhausted,
		state:          StateDisconnected,
	}
	if c.hbInterval <= 0 {
		c.hbInterval = 10 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect resolves the chat session, dials the websocket, and performs the
// handshake. Returns ErrConnection on any failure; the client is left
// disconnected and does not retry on its own (automatic reconnection only
// follows a drop of an established connection).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// dial performs one connect attempt: session resolution, websocket dial, and
// the hello handshake. On success it installs the connection and starts the
// heartbeat and read loops.
func (c *Client) dial(ctx context.Context) error {
	sess, err := c.resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve chat session: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, sess.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", sess.WSURL, err)
	}

	hello, err := json.Marshal(helloBody{SessionID: sess.SessionID, AccessToken: sess.AccessToken, Mode: "read"})
	if err != nil {
		_ = conn.Close()
		return err
	}
	payload, _ := json.Marshal(frame{Op: opHello, Body: hello})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		// Disconnect raced the dial; drop the fresh connection.
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("client closed during connect")
	}
	c.conn = conn
	c.session = sess
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	done := make(chan struct{})
	go c.heartbeatLoop(conn, done)
	go c.readLoop(conn, done)
	return nil
}

// heartbeatLoop sends a ping frame on a fixed interval for the life of one
// connection. It runs on its own ticker so slow inbound processing never
// starves it; the remote end drops connections that stop pinging.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(frame{Op: opPing})
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeRaw(conn, ping); err != nil {
				// The read loop observes the broken transport and handles it.
				slog.Debug("heartbeat write failed", slog.String("channel", c.channelID), slog.Any("err", err))
				return
			}
		}
	}
}

// readLoop decodes inbound frames in arrival order and forwards them to the
// event callback. It owns reconnect initiation on transport errors.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportError(err)
			return
		}
		ev, err := decodeFrame(data)
		if err != nil {
			slog.Warn("malformed chat frame", slog.String("channel", c.channelID), slog.Any("err", err))
			continue
		}
		switch e := ev.(type) {
		case PongEvent:
			// heartbeat ack, nothing to do
		case UnknownEvent:
			slog.Debug("unknown chat frame op", slog.String("channel", c.channelID), slog.String("op", e.Op))
		default:
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		}
	}
}

// handleTransportError transitions into reconnecting unless the drop was a
// deliberate Disconnect.
func (c *Client) handleTransportError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.session = nil
	c.state = StateReconnecting
	c.mu.Unlock()

	if c.onDisconnected != nil {
		c.onDisconnected(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or fires the
// terminal exhausted callback once the cap is reached. The timer handle is
// kept so Disconnect can cancel a pending attempt deterministically.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.state = StateExhausted
		c.mu.Unlock()
		slog.Warn("reconnect attempts exhausted", slog.String("channel", c.channelID), slog.Int("attempts", c.maxAttempts))
		if c.onExhausted != nil {
			c.onExhausted()
		}
		return
	}
	c.attempts++
	delay := initialBackoff << (c.attempts - 1)
	c.state = StateReconnecting
	c.backoffTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	slog.Info("reconnect scheduled", slog.String("channel", c.channelID), slog.Int("attempt", c.attempts), slog.Duration("delay", delay))
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.backoffTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		slog.Warn("reconnect attempt failed", slog.String("channel", c.channelID), slog.Any("err", err))
		c.scheduleReconnect()
	}
}

// Disconnect stops the heartbeat, cancels any pending backoff timer, closes
// the transport if open, and suppresses in-flight reconnection. Idempotent;
// calling it on an already-closed client is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed && c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.session = nil
	c.attempts = 0
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Send delivers an outbound chat message through the channel's send path
// using the live session's access token.
func (c *Client) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	if c.send == nil {
		return errors.New("protocol: no send func configured")
	}
	return c.send(ctx, sess.AccessToken, text)
}

func (c *Client) writeRaw(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
