package serverfn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoParams struct {
	Text string `json:"text"`
}

type limitError struct {
	Limit int `json:"limit"`
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(quietLogger())}, opts...)
	s := NewServer(opts...)

	RPC(s, "/api/echo", func(_ context.Context, p echoParams) (string, error) {
		return p.Text, nil
	})
	RPC(s, "/api/fail", func(_ context.Context, p echoParams) (string, error) {
		return "", errors.New("backend unavailable")
	})
	RPC(s, "/api/limited", func(_ context.Context, p echoParams) (string, error) {
		return "", AppError(limitError{Limit: 10})
	}, WithAppError[limitError]())
	RPC(s, "/api/panic", func(_ context.Context, p echoParams) (string, error) {
		panic("unexpected state")
	})
	RPC(s, "/api/ping", func(_ context.Context, _ struct{}) (string, error) {
		return "pong", nil
	})
	return s
}

func TestRPCRoundTrip(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	caller := NewCaller[echoParams, string](ts.URL + "/api/echo")
	got, err := caller.Call(context.Background(), echoParams{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestRPCHandlerErrorBecomesCustom(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	caller := NewCaller[echoParams, string](ts.URL + "/api/fail")
	_, err := caller.Call(context.Background(), echoParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &Error{Kind: KindCustom}))
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestRPCAppError(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	caller := NewCaller[echoParams, string](ts.URL + "/api/limited")
	_, err := caller.Call(context.Background(), echoParams{})
	require.Error(t, err)
	require.True(t, errors.Is(err, &Error{Kind: KindApp}))

	payload, ok := AppErrorAs[limitError](err)
	require.True(t, ok)
	assert.Equal(t, 10, payload.Limit)
}

func TestAppErrorTypeOnDescriptor(t *testing.T) {
	s := newTestServer(t)
	reg, bound, err := s.Registry().Resolve("/api/limited", http.MethodPost)
	require.NoError(t, err)
	require.True(t, bound)
	assert.Equal(t, "limitError", reg.Desc.ErrType.Name())
}

func TestRPCPanicRecovered(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	caller := NewCaller[echoParams, string](ts.URL + "/api/panic")
	_, err := caller.Call(context.Background(), echoParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &Error{Kind: KindCustom}))
	assert.Contains(t, err.Error(), "panicked")

	// The server must survive the panic.
	got, err := NewCaller[echoParams, string](ts.URL + "/api/echo").
		Call(context.Background(), echoParams{Text: "still up"})
	require.NoError(t, err)
	assert.Equal(t, "still up", got)
}

func TestRPCStatusCodes(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	post := func(path, body string) *http.Response {
		resp, err := http.Post(ts.URL+path, "application/json",
			bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, post("/api/echo", `{"text":"x"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/api/echo", `{{{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/api/limited", `{}`).StatusCode)
	assert.Equal(t, http.StatusInternalServerError, post("/api/fail", `{}`).StatusCode)

	resp := post("/api/echo", `{{{`)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	wire, ok := jsonCodec{}.UnmarshalError(body)
	require.True(t, ok)
	assert.Equal(t, KindDeserialization, wire.Kind)
}

func TestRPCParamlessGet(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	got, err := NewCaller[struct{}, string](ts.URL + "/api/ping").
		Call(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	resp, err := http.Get(ts.URL + "/api/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRPCMethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRPCBinaryEncoding(t *testing.T) {
	s := NewServer(WithLogger(quietLogger()))
	RPC(s, "/api/echo", func(_ context.Context, p echoParams) (string, error) {
		return p.Text, nil
	}, WithBinary())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	caller := NewCaller[echoParams, string](ts.URL+"/api/echo",
		WithBinaryEncoding())
	got, err := caller.Call(context.Background(), echoParams{Text: "compact"})
	require.NoError(t, err)
	assert.Equal(t, "compact", got)
}

func TestRPCRequestContextAvailable(t *testing.T) {
	s := NewServer(WithLogger(quietLogger()))
	RPC(s, "/api/whoami", func(ctx context.Context, _ struct{}) (string, error) {
		return RequestContextFrom(ctx).BearerToken(), nil
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	caller := NewCaller[struct{}, string](ts.URL+"/api/whoami",
		WithHeader(http.Header{"Authorization": {"Bearer tok123"}}))
	got, err := caller.Call(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "tok123", got)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	s := NewServer(WithLogger(quietLogger()))
	register := func() {
		RPC(s, "/api/dup", func(_ context.Context, _ struct{}) (int, error) {
			return 0, nil
		})
	}
	register()
	assert.Panics(t, register)
}

type recordingHook struct {
	mu      sync.Mutex
	started []string
	ended   int
	lastErr error
}

func (h *recordingHook) OnInvokeStart(ctx context.Context, info *InvokeInfo) (context.Context, HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, info.Name)
	return ctx, info.Name
}

func (h *recordingHook) OnInvokeEnd(_ context.Context, token HookToken, stats *CallStats, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended++
	h.lastErr = err
}

func TestDispatchHookObservesCalls(t *testing.T) {
	hook := &recordingHook{}
	ts := httptest.NewServer(newTestServer(t, WithDispatchHook(hook)).Handler())
	defer ts.Close()

	_, err := NewCaller[echoParams, string](ts.URL + "/api/echo").
		Call(context.Background(), echoParams{Text: "x"})
	require.NoError(t, err)
	_, err = NewCaller[echoParams, string](ts.URL + "/api/fail").
		Call(context.Background(), echoParams{})
	require.Error(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, []string{"echo", "fail"}, hook.started)
	assert.Equal(t, 2, hook.ended)
	assert.True(t, errors.Is(hook.lastErr, &Error{Kind: KindCustom}))
}
