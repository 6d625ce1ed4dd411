package serverfn

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"reflect"

	"github.com/gorilla/websocket"
)

// clientConfig is shared by the unary caller and the stream dialers.
type clientConfig struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	header     http.Header
	encoding   Encoding
	policy     ReconnectPolicy
	log        *slog.Logger
}

func newClientConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
		policy:     DefaultReconnectPolicy(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ClientOption configures a [Caller], [StreamConn], or [SocketConn].
type ClientOption func(*clientConfig)

// WithHTTPClient sets the HTTP client used for unary calls and SSE
// streams.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) { cfg.httpClient = c }
}

// WithDialer sets the WebSocket dialer used by [DialSocket].
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(cfg *clientConfig) { cfg.dialer = d }
}

// WithHeader adds headers to every request, e.g. Authorization.
func WithHeader(h http.Header) ClientOption {
	return func(cfg *clientConfig) { cfg.header = h }
}

// WithBinaryEncoding switches the wire encoding from JSON to MessagePack.
// It must match the server-side registration.
func WithBinaryEncoding() ClientOption {
	return func(cfg *clientConfig) { cfg.encoding = EncodingBinary }
}

// WithReconnectPolicy sets the reconnect behavior of streaming
// connections.
func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(cfg *clientConfig) { cfg.policy = p }
}

// WithClientLogger sets the logger used by streaming connections.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(cfg *clientConfig) { cfg.log = log }
}

// Caller invokes one unary function. P and R must match the server-side
// registration; a zero-field P makes the call a GET.
type Caller[P, R any] struct {
	url        string
	codec      Codec
	paramless  bool
	httpClient *http.Client
	header     http.Header
}

// NewCaller builds a caller for the function at url.
func NewCaller[P, R any](url string, opts ...ClientOption) *Caller[P, R] {
	cfg := newClientConfig(opts)
	fields, err := paramFields(reflect.TypeFor[P]())
	if err != nil {
		panic("serverfn: caller for " + url + ": " + err.Error())
	}
	return &Caller[P, R]{
		url:        url,
		codec:      codecFor(cfg.encoding),
		paramless:  len(fields) == 0,
		httpClient: cfg.httpClient,
		header:     cfg.header,
	}
}

// Call invokes the function. Failures are always a taxonomy [*Error]:
// Transport for network problems, Deserialization for an unreadable
// response, the server's own error kind when it sent one, and
// ServerStatus when the response is a bare non-2xx status.
func (c *Caller[P, R]) Call(ctx context.Context, params P) (R, error) {
	var zero R

	var req *http.Request
	if c.paramless {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return zero, TransportError(err)
		}
		req = r
	} else {
		payload, err := c.codec.Marshal(params)
		if err != nil {
			return zero, SerializationError("encoding params: %v", err)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url,
			bytes.NewReader(payload))
		if err != nil {
			return zero, TransportError(err)
		}
		r.Header.Set("Content-Type", c.codec.ContentType())
		req = r
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", c.codec.ContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, TransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		if e, ok := c.codec.UnmarshalError(body); ok {
			return zero, e
		}
		return zero, ServerStatusError(resp.StatusCode)
	}

	var result R
	if err := c.codec.Unmarshal(body, &result); err != nil {
		return zero, DeserializationError("decoding result: %v", err)
	}
	return result, nil
}
