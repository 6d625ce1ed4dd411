package serverfn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
)

const maxRequestBytes = 32 << 20

// Server hosts registered functions over HTTP. Register functions with
// [RPC], [ServerStream], and [Bidirectional], then serve [Server.Handler].
type Server struct {
	registry  *Registry
	log       *slog.Logger
	hook      DispatchHook
	heartbeat time.Duration
	compress  bool
	upgrader  websocket.Upgrader
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithLogger sets the server's structured logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithDispatchHook installs an observability hook, called around every
// invocation.
func WithDispatchHook(h DispatchHook) ServerOption {
	return func(s *Server) { s.hook = h }
}

// WithHeartbeat sets the idle keep-alive interval for push streams.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// WithCompression toggles gzip compression of unary responses.
func WithCompression(on bool) ServerOption {
	return func(s *Server) { s.compress = on }
}

// WithCheckOrigin overrides the WebSocket origin check. The default
// accepts same-origin requests only.
func WithCheckOrigin(check func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// NewServer returns a server with an empty registry.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		registry:  NewRegistry(),
		log:       slog.Default(),
		heartbeat: 15 * time.Second,
		compress:  true,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the server's dispatch table.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the http.Handler serving every registered function.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registry.Mount(mux)
	return mux
}

// RegisterOption adjusts a descriptor at registration time.
type RegisterOption func(*Descriptor)

// WithName overrides the function name derived from the path.
func WithName(name string) RegisterOption {
	return func(d *Descriptor) { d.Name = name }
}

// WithBinary switches the function's wire encoding from JSON to
// MessagePack.
func WithBinary() RegisterOption {
	return func(d *Descriptor) { d.Encoding = EncodingBinary }
}

// WithAppError declares the application error payload type callers should
// expect from this function, recorded on the descriptor for
// introspection. Callers recover the payload with [AppErrorAs].
func WithAppError[E any]() RegisterOption {
	return func(d *Descriptor) { d.ErrType = reflect.TypeFor[E]() }
}

func newDescriptor[P any](path string, transport Transport, opts []RegisterOption) *Descriptor {
	d := &Descriptor{Path: path, Transport: transport}
	for _, opt := range opts {
		opt(d)
	}
	fields, err := paramFields(reflect.TypeFor[P]())
	if err != nil {
		panic("serverfn: register " + path + ": " + err.Error())
	}
	d.Params = fields
	return d
}

// RPC registers a unary function at path. Params must be a struct; a
// struct with no wire-visible fields makes the function additionally
// callable via GET. Registration problems panic.
func RPC[P, R any](s *Server, path string, fn func(ctx context.Context, params P) (R, error), opts ...RegisterOption) {
	d := newDescriptor[P](path, TransportRPC, opts)
	d.SuccessType = reflect.TypeFor[R]()

	var handler http.Handler = rpcHandler(s, d, fn)
	if s.compress {
		handler = gzhttp.GzipHandler(handler)
	}
	s.registry.add(&Registration{Desc: d, Handler: handler})
}

func rpcHandler[P, R any](s *Server, d *Descriptor, fn func(ctx context.Context, params P) (R, error)) http.HandlerFunc {
	c := d.Codec()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, stats, token := s.beginInvoke(r, d)
		var callErr error
		defer func() { s.endInvoke(ctx, d, token, stats, callErr) }()

		var params P
		if r.Method != http.MethodGet {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
			if err != nil {
				callErr = DeserializationError("reading request body: %v", err)
				s.writeError(w, c, callErr)
				return
			}
			stats.RecordInput(len(body))
			if err := c.Unmarshal(body, &params); err != nil {
				callErr = DeserializationError("decoding %s params: %v", d.Name, err)
				s.writeError(w, c, callErr)
				return
			}
		}

		var result R
		callErr = safeCall(d.Name, func() error {
			var err error
			result, err = fn(ctx, params)
			return err
		})
		if callErr != nil {
			s.writeError(w, c, asTaxonomy(callErr))
			return
		}

		payload, err := c.Marshal(result)
		if err != nil {
			callErr = SerializationError("encoding %s result: %v", d.Name, err)
			s.writeError(w, c, callErr)
			return
		}
		stats.RecordOutput(len(payload))
		w.Header().Set("Content-Type", c.ContentType())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(payload); err != nil && !isClientGone(err) {
			s.log.Warn("response write failed", "function", d.Name, "error", err)
		}
	}
}

// beginInvoke sets up the per-call scope: invocation context, stats, and
// the dispatch hook's start side.
func (s *Server) beginInvoke(r *http.Request, d *Descriptor) (context.Context, *CallStats, HookToken) {
	ctx := WithInvocation(r.Context(), r)
	stats := newCallStats()
	var token HookToken
	if s.hook != nil {
		info := &InvokeInfo{
			Name:      d.Name,
			Path:      d.Path,
			Transport: d.Transport,
			Metadata:  metadataFromHeader(r.Header),
		}
		ctx, token = s.hook.OnInvokeStart(ctx, info)
	}
	return ctx, stats, token
}

func (s *Server) endInvoke(ctx context.Context, d *Descriptor, token HookToken, stats *CallStats, err error) {
	if s.hook != nil {
		s.hook.OnInvokeEnd(ctx, token, stats, err)
	}
	if err != nil {
		s.log.Warn("call failed",
			"function", d.Name,
			"transport", d.Transport.String(),
			"duration", stats.Elapsed(),
			"error", err)
		return
	}
	s.log.Debug("call served",
		"function", d.Name,
		"transport", d.Transport.String(),
		"duration", stats.Elapsed(),
		"bytes_in", stats.InputBytes(),
		"bytes_out", stats.OutputBytes())
}

func (s *Server) writeError(w http.ResponseWriter, c Codec, err error) {
	e := asTaxonomy(err)
	payload, mErr := c.MarshalError(e)
	if mErr != nil {
		http.Error(w, e.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.WriteHeader(e.httpStatus())
	w.Write(payload)
}

// safeCall runs fn, converting a handler panic into an error so one bad
// call cannot take down the server.
func safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = CustomError("handler %s panicked: %v", name, r)
		}
	}()
	return fn()
}

// isClientGone reports whether an error means the peer went away, which
// is routine for streams and not worth an error-level log.
func isClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}
