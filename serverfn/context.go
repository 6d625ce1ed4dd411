package serverfn

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"sync"
)

// RequestContext is a read-only snapshot of the HTTP request that started
// an invocation. One is created per invocation and carried on the handler's
// context; for streams it describes the establishing request and stays
// valid for the life of the stream.
type RequestContext struct {
	Method   string
	Path     string
	Header   http.Header
	Query    map[string][]string
	Secure   bool
	peerAddr string

	cookieOnce sync.Once
	cookies    map[string]*http.Cookie
}

func newRequestContext(r *http.Request) *RequestContext {
	return &RequestContext{
		Method:   r.Method,
		Path:     r.URL.Path,
		Header:   r.Header.Clone(),
		Query:    r.URL.Query(),
		Secure:   r.TLS != nil,
		peerAddr: r.RemoteAddr,
	}
}

// Cookie returns the named request cookie, if present. Cookies are parsed
// lazily on first access.
func (rc *RequestContext) Cookie(name string) (*http.Cookie, bool) {
	rc.cookieOnce.Do(func() {
		rc.cookies = make(map[string]*http.Cookie)
		header := http.Header{"Cookie": rc.Header.Values("Cookie")}
		req := http.Request{Header: header}
		for _, c := range req.Cookies() {
			rc.cookies[c.Name] = c
		}
	})
	c, ok := rc.cookies[name]
	return c, ok
}

// IsSecure reports whether the request arrived over TLS, either directly
// or via a proxy that set X-Forwarded-Proto.
func (rc *RequestContext) IsSecure() bool {
	if rc.Secure {
		return true
	}
	return strings.EqualFold(rc.Header.Get("X-Forwarded-Proto"), "https")
}

// Authorization returns the raw Authorization header value.
func (rc *RequestContext) Authorization() string {
	return rc.Header.Get("Authorization")
}

// BearerToken returns the token from a "Bearer ..." Authorization header,
// or "" if the header is absent or uses another scheme.
func (rc *RequestContext) BearerToken() string {
	auth := rc.Authorization()
	if scheme, token, ok := strings.Cut(auth, " "); ok &&
		strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// ConnectionIP returns the transport-level peer address, ignoring proxy
// headers.
func (rc *RequestContext) ConnectionIP() netip.Addr {
	host := rc.peerAddr
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return ap.Addr()
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}

// ClientIP returns the originating client address, preferring the first
// entry of X-Forwarded-For, then X-Real-IP, then the peer address.
func (rc *RequestContext) ClientIP() netip.Addr {
	if xff := rc.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr
		}
	}
	if real := rc.Header.Get("X-Real-IP"); real != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(real)); err == nil {
			return addr
		}
	}
	return rc.ConnectionIP()
}

// invocation is one function call's scope: the request snapshot plus the
// type-keyed values provided to the handler.
type invocation struct {
	req *RequestContext

	mu     sync.RWMutex
	values map[reflect.Type]any
}

type invocationKey struct{}

// WithInvocation returns a context carrying a fresh invocation scope for
// the given request. The server calls this once per invocation; it is
// exported for tests and for embedding the runtime in other servers.
func WithInvocation(ctx context.Context, r *http.Request) context.Context {
	inv := &invocation{
		req:    newRequestContext(r),
		values: make(map[reflect.Type]any),
	}
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) (*invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*invocation)
	return inv, ok
}

// RequestContextFrom returns the invocation's request snapshot. It panics
// when called outside an invocation; handlers registered with this package
// always run inside one.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, ok := TryRequestContextFrom(ctx)
	if !ok {
		panic("serverfn: RequestContextFrom called outside an invocation")
	}
	return rc
}

// TryRequestContextFrom is the non-panicking form of [RequestContextFrom].
func TryRequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	inv, ok := invocationFrom(ctx)
	if !ok {
		return nil, false
	}
	return inv.req, true
}

// MissingValueError is returned by [Resolve] when no value of the
// requested type was provided to the invocation.
type MissingValueError struct {
	Type reflect.Type
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("no value of type %v provided to this invocation", e.Type)
}

// Provide stores a value in the invocation scope, keyed by its static
// type. Providing a second value of the same type replaces the first.
// Values never leak across invocations.
func Provide[T any](ctx context.Context, value T) {
	inv, ok := invocationFrom(ctx)
	if !ok {
		panic("serverfn: Provide called outside an invocation")
	}
	inv.mu.Lock()
	inv.values[reflect.TypeFor[T]()] = value
	inv.mu.Unlock()
}

// Resolve fetches the invocation value previously stored with [Provide]
// under type T.
func Resolve[T any](ctx context.Context) (T, error) {
	var zero T
	inv, ok := invocationFrom(ctx)
	if !ok {
		return zero, &MissingValueError{Type: reflect.TypeFor[T]()}
	}
	inv.mu.RLock()
	v, ok := inv.values[reflect.TypeFor[T]()]
	inv.mu.RUnlock()
	if !ok {
		return zero, &MissingValueError{Type: reflect.TypeFor[T]()}
	}
	return v.(T), nil
}
