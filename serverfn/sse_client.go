package serverfn

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	streamItemBuffer  = 256
	streamStateBuffer = 16
	maxEventLine      = 1 << 20
)

// StreamConn is a client handle to a server-push stream. A background
// goroutine owns the connection and reconnects per the configured
// [ReconnectPolicy]; callers poll items and state transitions without
// blocking.
type StreamConn[T any] struct {
	items  chan T
	states chan ConnectionState

	cancel    context.CancelFunc
	closeOnce sync.Once
	connected atomic.Bool
	current   atomic.Pointer[ConnectionState]
	lastErr   atomic.Pointer[Error]
}

// DialStream opens a server-push stream at url with the given parameters.
// It returns immediately; the first dial happens in the background and
// its outcome is observable through [StreamConn.TryState]. The stream
// lives until ctx is cancelled, [StreamConn.Close] is called, or the
// reconnect budget is spent.
func DialStream[P, T any](ctx context.Context, rawURL string, params P, opts ...ClientOption) (*StreamConn[T], error) {
	cfg := newClientConfig(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, TransportError(err)
	}
	query, err := encodeQuery(&params)
	if err != nil {
		return nil, SerializationError("encoding params: %v", err)
	}
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithCancel(ctx)
	conn := &StreamConn[T]{
		items:  make(chan T, streamItemBuffer),
		states: make(chan ConnectionState, streamStateBuffer),
		cancel: cancel,
	}
	conn.current.Store(&ConnectionState{Phase: PhaseConnecting})
	go conn.run(ctx, u.String(), cfg)
	return conn, nil
}

// TryRecv returns the next buffered item without blocking.
func (c *StreamConn[T]) TryRecv() (T, bool) {
	select {
	case item := <-c.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Recv blocks until an item arrives or ctx is done.
func (c *StreamConn[T]) Recv(ctx context.Context) (T, error) {
	select {
	case item := <-c.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryIter drains the items buffered at call time without blocking.
func (c *StreamConn[T]) TryIter() iter.Seq[T] {
	return func(yield func(T) bool) {
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
func (c *StreamConn[T]) TryState() (ConnectionState, bool) {
	select {
	case st := <-c.states:
		return st, true
	default:
		return ConnectionState{}, false
	}
}

// State drains pending transitions and returns the current state. Use
// [StreamConn.TryState] instead to observe every transition.
func (c *StreamConn[T]) State() ConnectionState {
	for {
		st, ok := c.TryState()
		if !ok {
			return *c.current.Load()
		}
		c.current.Store(&st)
	}
}

// IsConnected reports whether the stream is currently live.
func (c *StreamConn[T]) IsConnected() bool { return c.connected.Load() }

// Err returns the most recent connection or server error, nil if none.
func (c *StreamConn[T]) Err() error {
	if e := c.lastErr.Load(); e != nil {
		return e
	}
	return nil
}

// Close tears down the stream and stops reconnecting.
func (c *StreamConn[T]) Close() {
	c.closeOnce.Do(c.cancel)
}

func (c *StreamConn[T]) setErr(err error) {
	c.lastErr.Store(asTaxonomy(err))
}

func (c *StreamConn[T]) run(ctx context.Context, url string, cfg clientConfig) {
	codec := codecFor(cfg.encoding)
	pushState(c.states, ConnectionState{Phase: PhaseConnecting})

	attempt := 0
	everConnected := false
	for {
		wasLive, err := c.consume(ctx, url, cfg, codec)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.setErr(err)
		}
		if wasLive {
			everConnected = true
			attempt = 0
			pushState(c.states, ConnectionState{Phase: PhaseDisconnected})
		}
		if cfg.policy.exhausted(attempt) {
			pushState(c.states, ConnectionState{Phase: PhaseFailed})
			cfg.log.Warn("stream abandoned", "url", url,
				"attempts", attempt, "ever_connected", everConnected)
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

// consume performs one connection attempt and reads events until the
// stream ends. wasLive reports whether the connection was established at
// all, which resets the retry budget.
func (c *StreamConn[T]) consume(ctx context.Context, url string, cfg clientConfig, codec Codec) (wasLive bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, TransportError(err)
	}
	for k, vs := range cfg.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return false, TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventLine))
		if e, ok := codec.UnmarshalError(body); ok {
			return false, e
		}
		return false, ServerStatusError(resp.StatusCode)
	}

	c.connected.Store(true)
	pushState(c.states, ConnectionState{Phase: PhaseConnected})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), maxEventLine)

	var event string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := c.dispatch(ctx, cfg, codec, event, data); err != nil {
				return true, err
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(
				strings.TrimPrefix(line, "data:"), " ")...)
			if data == nil {
				data = []byte{}
			}
		default:
			// id: and retry: fields are not used by this protocol.
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return true, TransportError(err)
	}
	return true, nil
}

func (c *StreamConn[T]) dispatch(ctx context.Context, cfg clientConfig, codec Codec, event string, data []byte) error {
	if data == nil {
		return nil
	}
	if cfg.encoding == EncodingBinary && len(data) > 0 {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			cfg.log.Warn("dropping undecodable stream event", "error", err)
			return nil
		}
		data = decoded
	}
	if event == "error" {
		if e, ok := codec.UnmarshalError(data); ok {
			return e
		}
		return CustomError("stream error event: %s", data)
	}
	if len(data) == 0 {
		// The server replaces unencodable items with empty events.
		cfg.log.Warn("dropping empty stream event")
		return nil
	}
	var item T
	if err := codec.Unmarshal(data, &item); err != nil {
		cfg.log.Warn("dropping undecodable stream event", "error", err)
		return nil
	}
	select {
	case c.items <- item:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// pushState delivers a state transition, dropping the oldest unobserved
// transition when the buffer is full so the connection loop never blocks
// on a slow observer.
func pushState(states chan ConnectionState, st ConnectionState) {
	for {
		select {
		case states <- st:
			return
		default:
			select {
			case <-states:
			default:
			}
		}
	}
}
