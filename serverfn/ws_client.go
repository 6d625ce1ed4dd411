package serverfn

import (
	"context"
	"iter"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const socketOutboundBuffer = 128

// SocketConn is a client handle to a bidirectional stream. S is the
// outbound item type, R the inbound. A background goroutine owns the
// connection and reconnects per the configured [ReconnectPolicy]; queued
// outbound items survive a reconnect.
type SocketConn[S, R any] struct {
	out    chan S
	items  chan R
	states chan ConnectionState

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
	connected atomic.Bool
	current   atomic.Pointer[ConnectionState]
	lastErr   atomic.Pointer[Error]
}

// DialSocket opens a bidirectional stream at url. HTTP schemes are
// rewritten to their WebSocket equivalents. It returns immediately; the
// first dial happens in the background and its outcome is observable
// through [SocketConn.TryState].
func DialSocket[S, R any](ctx context.Context, rawURL string, opts ...ClientOption) (*SocketConn[S, R], error) {
	cfg := newClientConfig(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, TransportError(err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &SocketConn[S, R]{
		out:    make(chan S, socketOutboundBuffer),
		items:  make(chan R, streamItemBuffer),
		states: make(chan ConnectionState, streamStateBuffer),
		cancel: cancel,
	}
	conn.current.Store(&ConnectionState{Phase: PhaseConnecting})
	go conn.run(ctx, u.String(), cfg)
	return conn, nil
}

// Send queues an outbound item without blocking. It reports false when
// the queue is full or the socket is closed; queued items are sent once
// a connection is live.
func (c *SocketConn[S, R]) Send(item S) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.out <- item:
		return true
	default:
		return false
	}
}

// TryRecv returns the next buffered inbound item without blocking.
func (c *SocketConn[S, R]) TryRecv() (R, bool) {
	select {
	case item := <-c.items:
		return item, true
	default:
		var zero R
		return zero, false
	}
}

// Recv blocks until an inbound item arrives or ctx is done.
func (c *SocketConn[S, R]) Recv(ctx context.Context) (R, error) {
	select {
	case item := <-c.items:
		return item, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// TryIter drains the inbound items buffered at call time without
// blocking.
func (c *SocketConn[S, R]) TryIter() iter.Seq[R] {
	return func(yield func(R) bool) {
		for {
			item, ok := c.TryRecv()
			if !ok {
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// TryState returns the next unobserved state transition, if any. When
// transitions outpace the observer the oldest are dropped.
func (c *SocketConn[S, R]) TryState() (ConnectionState, bool) {
	select {
	case st := <-c.states:
		return st, true
	default:
		return ConnectionState{}, false
	}
}

// State drains pending transitions and returns the current state. Use
// [SocketConn.TryState] instead to observe every transition.
func (c *SocketConn[S, R]) State() ConnectionState {
	for {
		st, ok := c.TryState()
		if !ok {
			return *c.current.Load()
		}
		c.current.Store(&st)
	}
}

// IsConnected reports whether the socket is currently live.
func (c *SocketConn[S, R]) IsConnected() bool { return c.connected.Load() }

// Err returns the most recent connection or server error, nil if none.
func (c *SocketConn[S, R]) Err() error {
	if e := c.lastErr.Load(); e != nil {
		return e
	}
	return nil
}

// Close tears down the socket and stops reconnecting. Later Sends are
// no-ops.
func (c *SocketConn[S, R]) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
	})
}

func (c *SocketConn[S, R]) setErr(err error) {
	c.lastErr.Store(asTaxonomy(err))
}

func (c *SocketConn[S, R]) run(ctx context.Context, url string, cfg clientConfig) {
	codec := codecFor(cfg.encoding)
	msgType := websocket.TextMessage
	if cfg.encoding == EncodingBinary {
		msgType = websocket.BinaryMessage
	}
	pushState(c.states, ConnectionState{Phase: PhaseConnecting})

	attempt := 0
	for {
		wasLive, err := c.session(ctx, url, cfg, codec, msgType)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.setErr(err)
		}
		if wasLive {
			attempt = 0
			pushState(c.states, ConnectionState{Phase: PhaseDisconnected})
		}
		if cfg.policy.exhausted(attempt) {
			pushState(c.states, ConnectionState{Phase: PhaseFailed})
			cfg.log.Warn("socket abandoned", "url", url, "attempts", attempt)
			return
		}
		pushState(c.states, ConnectionState{Phase: PhaseReconnecting, Attempt: attempt})
		select {
		case <-time.After(cfg.policy.Delay(attempt)):
		case <-ctx.Done():
			return
		}
		attempt++
	}
}

// session performs one dial and runs the reader and writer until the
// connection drops. wasLive reports whether the dial succeeded, which
// resets the retry budget.
func (c *SocketConn[S, R]) session(ctx context.Context, url string, cfg clientConfig, codec Codec, msgType int) (wasLive bool, err error) {
	conn, resp, err := cfg.dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		if resp != nil {
			return false, ServerStatusError(resp.StatusCode)
		}
		return false, TransportError(err)
	}
	defer conn.Close()

	c.connected.Store(true)
	pushState(c.states, ConnectionState{Phase: PhaseConnected})

	done := make(chan struct{})
	defer close(done)

	// Writer: drain the outbound queue onto this session's connection.
	// An item pulled from the queue when the write fails is lost; the
	// rest of the queue survives for the next session.
	go func() {
		for {
			select {
			case item := <-c.out:
				payload, err := codec.Marshal(item)
				if err != nil {
					cfg.log.Warn("dropping unencodable outbound item",
						"error", err)
					continue
				}
				if err := conn.WriteMessage(msgType, payload); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				switch ce.Code {
				case websocket.CloseNormalClosure, websocket.CloseGoingAway:
					return true, nil
				default:
					return true, CustomError("socket closed: %s", ce.Text)
				}
			}
			return true, TransportError(err)
		}
		var item R
		if err := codec.Unmarshal(payload, &item); err != nil {
			cfg.log.Warn("dropping undecodable inbound item", "error", err)
			continue
		}
		select {
		case c.items <- item:
		case <-ctx.Done():
			return true, nil
		}
	}
}
