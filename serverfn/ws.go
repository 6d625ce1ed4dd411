package serverfn

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsInboundBuffer = 32

// Bidirectional registers a two-way streaming function at path, served
// over WebSocket. Inbound items arrive on the in channel, which is closed
// when the peer disconnects or sends a close frame; fn pushes outbound
// items through send and returns when the session is finished.
// Registration problems panic.
func Bidirectional[In, Out any](s *Server, path string, fn func(ctx context.Context, in <-chan In, send func(Out) error) error, opts ...RegisterOption) {
	d := newDescriptor[struct{}](path, TransportBidirectional, opts)
	d.InputType = reflect.TypeFor[In]()
	d.SuccessType = reflect.TypeFor[Out]()
	s.registry.add(&Registration{Desc: d, Handler: wsHandler(s, d, fn)})
}

func wsHandler[In, Out any](s *Server, d *Descriptor, fn func(ctx context.Context, in <-chan In, send func(Out) error) error) http.HandlerFunc {
	c := d.Codec()
	msgType := websocket.TextMessage
	if d.Encoding == EncodingBinary {
		msgType = websocket.BinaryMessage
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, stats, token := s.beginInvoke(r, d)
		var callErr error
		defer func() { s.endInvoke(ctx, d, token, stats, callErr) }()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			callErr = TransportError(err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxRequestBytes)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var writeMu sync.Mutex
		in := make(chan In, wsInboundBuffer)

		go func() {
			defer close(in)
			defer cancel()
			for {
				_, payload, err := conn.ReadMessage()
				if err != nil {
					if !websocket.IsCloseError(err,
						websocket.CloseNormalClosure,
						websocket.CloseGoingAway) && !isClientGone(err) {
						s.log.Warn("socket read failed",
							"function", d.Name, "error", err)
					}
					return
				}
				var item In
				if err := c.Unmarshal(payload, &item); err != nil {
					// A malformed frame is the sender's problem;
					// drop it and keep the session alive.
					s.log.Warn("dropping malformed inbound frame",
						"function", d.Name, "error", err)
					continue
				}
				stats.RecordInput(len(payload))
				select {
				case in <- item:
				case <-ctx.Done():
					return
				}
			}
		}()

		if s.heartbeat > 0 {
			go func() {
				ticker := time.NewTicker(s.heartbeat)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						writeMu.Lock()
						err := conn.WriteControl(websocket.PingMessage,
							nil, time.Now().Add(10*time.Second))
						writeMu.Unlock()
						if err != nil {
							return
						}
					case <-ctx.Done():
						return
					}
				}
			}()
		}

		send := func(item Out) error {
			if err := ctx.Err(); err != nil {
				return TransportError(err)
			}
			payload, err := c.Marshal(item)
			if err != nil {
				s.log.Warn("dropping unencodable outbound frame",
					"function", d.Name, "error", err)
				return nil
			}
			stats.RecordOutput(len(payload))
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return TransportError(err)
			}
			return nil
		}

		callErr = safeCall(d.Name, func() error {
			return fn(ctx, in, send)
		})
		if callErr != nil && isClientGone(callErr) {
			callErr = nil
		}

		code, reason := websocket.CloseNormalClosure, ""
		if callErr != nil {
			code = websocket.CloseInternalServerErr
			reason = asTaxonomy(callErr).Error()
			// Close frame payloads are limited to 125 bytes.
			if len(reason) > 100 {
				reason = reason[:100]
			}
		}
		writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(5*time.Second))
		writeMu.Unlock()
	}
}
