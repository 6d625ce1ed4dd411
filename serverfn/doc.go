// Package serverfn implements a cross-boundary function-call runtime: a
// single logical function definition can be invoked as a request/response
// remote call, a server-to-caller push stream, or a bidirectional stream,
// with the calling and serving side connected only by HTTP.
//
// # Transports
//
// Three transports are supported:
//
//   - Rpc: a single request produces a single response. Register with
//     [RPC].
//   - ServerStream: a request opens a server-driven stream of items
//     delivered as Server-Sent Events. Register with [ServerStream].
//   - Bidirectional: a WebSocket session where client and server exchange
//     encoded items in both directions. Register with [Bidirectional].
//
// Each registration produces an immutable [Descriptor] recording the
// function's path, transport, encoding, and parameter schema. Descriptors
// live in a [Registry]; [Registry.Mount] installs every registered route on
// an *http.ServeMux using method-qualified patterns.
//
// # Encodings
//
// Values cross the wire as JSON by default ([EncodingJSON]) or as
// MessagePack ([EncodingBinary]) when a descriptor opts in. The encoding is
// fixed per descriptor, not per call.
//
// # Errors
//
// All failures share one taxonomy, [Error], which is encoded on the wire
// as a tagged value ({"type": ..., "data": ...}) so the calling side can
// reconstruct the exact variant, including application-defined payloads
// attached with [AppError] and recovered with [AppErrorAs].
//
// RPC responses map the taxonomy to HTTP status deterministically:
// Deserialization and App errors produce 400, every other variant produces
// 500. Success is always 200.
//
// # Request context
//
// Handlers run inside an invocation scope carrying a [RequestContext]
// (headers, cookies, client IP, path, query) and a type-keyed injection
// container ([Provide], [Resolve]). The scope is attached to the handler's
// context.Context, so it is inherited by everything the handler calls and
// is never visible to concurrent invocations.
//
// # Streaming clients
//
// [StreamConn] and [SocketConn] give a long-lived caller (for example a
// render loop polling once per frame) a non-blocking view onto a stream:
// a background goroutine owns the connection and reconnects with
// exponential backoff per [ReconnectPolicy], while the caller drains
// buffered items with TryRecv/TryIter and observes the connection state
// machine through TryState.
package serverfn
