package serverfn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAllTransportsOneServer exercises every transport against a single
// server instance, the way a deployed process mixes them.
func TestAllTransportsOneServer(t *testing.T) {
	s := NewServer(WithLogger(quietLogger()), WithHeartbeat(0),
		WithCheckOrigin(func(*http.Request) bool { return true }))

	RPC(s, "/api/double", func(_ context.Context, p struct {
		N int `json:"n"`
	}) (int, error) {
		return p.N * 2, nil
	})
	ServerStream(s, "/api/countdown", func(ctx context.Context, p seqParams, send func(int) error) error {
		for i := p.Start; i > 0; i-- {
			if err := send(i); err != nil {
				return err
			}
		}
		return nil
	})
	Bidirectional(s, "/api/negate", func(ctx context.Context, in <-chan int, send func(int) error) error {
		for {
			select {
			case item, ok := <-in:
				if !ok {
					return nil
				}
				if err := send(-item); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Unary.
	caller := NewCaller[struct {
		N int `json:"n"`
	}, int](ts.URL + "/api/double")
	doubled, err := caller.Call(ctx, struct {
		N int `json:"n"`
	}{N: 21})
	require.NoError(t, err)
	assert.Equal(t, 42, doubled)

	// Server push.
	stream, err := DialStream[seqParams, int](ctx, ts.URL+"/api/countdown",
		seqParams{Start: 3}, WithReconnectPolicy(immediatePolicy(0)),
		WithClientLogger(quietLogger()))
	require.NoError(t, err)
	defer stream.Close()
	var pushed []int
	for range 3 {
		item, err := stream.Recv(ctx)
		require.NoError(t, err)
		pushed = append(pushed, item)
	}
	assert.Equal(t, []int{3, 2, 1}, pushed)

	// Bidirectional.
	sock, err := DialSocket[int, int](ctx, ts.URL+"/api/negate",
		WithReconnectPolicy(immediatePolicy(0)),
		WithClientLogger(quietLogger()))
	require.NoError(t, err)
	defer sock.Close()
	require.True(t, sock.Send(7))
	negated, err := sock.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, -7, negated)

	// The dispatch table knows all three.
	descs := s.Registry().Describe()
	require.Len(t, descs, 3)
	assert.Equal(t, TransportServerStream, descs[0].Transport) // /api/countdown
	assert.Equal(t, TransportRPC, descs[1].Transport)          // /api/double
	assert.Equal(t, TransportBidirectional, descs[2].Transport)
}
