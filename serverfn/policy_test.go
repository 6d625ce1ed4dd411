package serverfn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultReconnectPolicy(t *testing.T) {
	p := DefaultReconnectPolicy()
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 0.3, p.JitterFactor)
	assert.Equal(t, -1, p.MaxAttempts)
}

func TestPolicySetters(t *testing.T) {
	p := DefaultReconnectPolicy().
		WithBaseDelay(time.Second).
		WithMaxDelay(time.Minute).
		WithJitter(0.1).
		WithMaxAttempts(5)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 0.1, p.JitterFactor)
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := ReconnectPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	// Large attempt counts stay pinned at the cap and never overflow.
	assert.Equal(t, time.Second, p.Delay(200))
}

func TestDelayJitterDeterministic(t *testing.T) {
	p := ReconnectPolicy{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.3,
		Rand:         func() float64 { return 1.0 },
	}
	assert.Equal(t, 130*time.Millisecond, p.Delay(0))

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
}

func TestDelayJitterBounds(t *testing.T) {
	p := DefaultReconnectPolicy()
	for attempt := 0; attempt <= 20; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, p.BaseDelay)
		assert.LessOrEqual(t, d,
			p.MaxDelay+time.Duration(float64(p.MaxDelay)*p.JitterFactor))
	}
}

func TestExhausted(t *testing.T) {
	unbounded := ReconnectPolicy{MaxAttempts: -1}
	assert.False(t, unbounded.exhausted(0))
	assert.False(t, unbounded.exhausted(1_000_000))

	never := ReconnectPolicy{MaxAttempts: 0}
	assert.True(t, never.exhausted(0))

	two := ReconnectPolicy{MaxAttempts: 2}
	assert.False(t, two.exhausted(0))
	assert.False(t, two.exhausted(1))
	assert.True(t, two.exhausted(2))
}

func TestConnPhaseStrings(t *testing.T) {
	assert.Equal(t, "connecting", PhaseConnecting.String())
	assert.Equal(t, "connected", PhaseConnected.String())
	assert.Equal(t, "reconnecting", PhaseReconnecting.String())
	assert.Equal(t, "disconnected", PhaseDisconnected.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.True(t, ConnectionState{Phase: PhaseConnected}.Connected())
}
