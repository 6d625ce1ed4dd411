package serverfn

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"
)

// ServerStream registers a server-to-caller push function at path, served
// as a Server-Sent Events stream. Params arrive as query parameters on the
// establishing GET. fn pushes items through send and returns when the
// stream is finished; returning an error ends the stream with an error
// event. Registration problems panic.
func ServerStream[P, T any](s *Server, path string, fn func(ctx context.Context, params P, send func(T) error) error, opts ...RegisterOption) {
	d := newDescriptor[P](path, TransportServerStream, opts)
	d.SuccessType = reflect.TypeFor[T]()
	s.registry.add(&Registration{Desc: d, Handler: sseHandler(s, d, fn)})
}

func sseHandler[P, T any](s *Server, d *Descriptor, fn func(ctx context.Context, params P, send func(T) error) error) http.HandlerFunc {
	c := d.Codec()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, stats, token := s.beginInvoke(r, d)
		var callErr error
		defer func() { s.endInvoke(ctx, d, token, stats, callErr) }()

		var params P
		if err := decodeQuery(&params, r.URL.Query()); err != nil {
			callErr = DeserializationError("decoding %s params: %v", d.Name, err)
			s.writeError(w, c, callErr)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			callErr = CustomError("streaming unsupported by connection")
			s.writeError(w, c, callErr)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sw := &sseWriter{w: w, flusher: flusher}
		stopHeartbeat := s.startHeartbeat(ctx, sw)
		defer stopHeartbeat()

		send := func(item T) error {
			if err := ctx.Err(); err != nil {
				return TransportError(err)
			}
			payload, err := c.Marshal(item)
			if err != nil {
				// An unencodable item must not silently stall
				// the stream; emit an empty event in its place.
				s.log.Warn("dropping unencodable stream item",
					"function", d.Name, "error", err)
				return sw.writeEvent("", nil)
			}
			stats.RecordOutput(len(payload))
			if d.Encoding == EncodingBinary {
				payload = []byte(base64.StdEncoding.EncodeToString(payload))
			}
			return sw.writeEvent("", payload)
		}

		callErr = safeCall(d.Name, func() error {
			return fn(ctx, params, send)
		})
		if callErr != nil {
			if isClientGone(callErr) {
				callErr = nil
				return
			}
			e := asTaxonomy(callErr)
			if payload, err := c.MarshalError(e); err == nil {
				if d.Encoding == EncodingBinary {
					payload = []byte(base64.StdEncoding.EncodeToString(payload))
				}
				sw.writeEvent("error", payload)
			}
		}
	}
}

func (s *Server) startHeartbeat(ctx context.Context, sw *sseWriter) func() {
	if s.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sw.writeComment("keep-alive"); err != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return stop
}

// sseWriter serializes concurrent writers (handler and heartbeat) onto
// one event stream.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (sw *sseWriter) writeEvent(event string, data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if event != "" {
		if _, err := fmt.Fprintf(sw.w, "event: %s\n", event); err != nil {
			return TransportError(err)
		}
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return TransportError(err)
	}
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) writeComment(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return TransportError(err)
	}
	sw.flusher.Flush()
	return nil
}
