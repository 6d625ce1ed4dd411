package serverfn

import (
	"math/rand/v2"
	"time"
)

// ReconnectPolicy controls how streaming clients re-establish dropped
// connections: exponential backoff from BaseDelay doubling per attempt,
// capped at MaxDelay, with a random jitter of up to JitterFactor of the
// computed delay added on top.
type ReconnectPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// MaxAttempts bounds consecutive failed attempts before the
	// connection is abandoned. Negative means retry forever; zero means
	// never reconnect.
	MaxAttempts int

	// Rand overrides the jitter source, for deterministic tests.
	Rand func() float64
}

// DefaultReconnectPolicy retries forever with 500ms base delay, a 30s cap,
// and 30% jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.3,
		MaxAttempts:  -1,
	}
}

// WithBaseDelay returns a copy of the policy with the base delay set.
func (p ReconnectPolicy) WithBaseDelay(d time.Duration) ReconnectPolicy {
	p.BaseDelay = d
	return p
}

// WithMaxDelay returns a copy of the policy with the delay cap set.
func (p ReconnectPolicy) WithMaxDelay(d time.Duration) ReconnectPolicy {
	p.MaxDelay = d
	return p
}

// WithJitter returns a copy of the policy with the jitter factor set.
func (p ReconnectPolicy) WithJitter(f float64) ReconnectPolicy {
	p.JitterFactor = f
	return p
}

// WithMaxAttempts returns a copy of the policy with the attempt budget
// set.
func (p ReconnectPolicy) WithMaxAttempts(n int) ReconnectPolicy {
	p.MaxAttempts = n
	return p
}

// Delay returns the wait before reconnect attempt n (zero-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		d += time.Duration(float64(d) * p.JitterFactor * rnd())
	}
	return d
}

// exhausted reports whether attempt (zero-based) exceeds the policy's
// attempt budget.
func (p ReconnectPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts >= 0 && attempt >= p.MaxAttempts
}

// ConnPhase is the lifecycle phase of a streaming client connection.
type ConnPhase int

const (
	// PhaseConnecting is the initial dial, before any connection
	// succeeded.
	PhaseConnecting ConnPhase = iota
	// PhaseConnected means the stream is live.
	PhaseConnected
	// PhaseReconnecting means the connection dropped and a retry is
	// pending or in flight.
	PhaseReconnecting
	// PhaseDisconnected means the connection dropped and no retry has
	// started yet.
	PhaseDisconnected
	// PhaseFailed is terminal: the retry budget is spent.
	PhaseFailed
)

func (p ConnPhase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is one observed transition of a streaming client.
// Attempt is meaningful only in [PhaseReconnecting], counting failed
// attempts since the last successful connection, zero-based.
type ConnectionState struct {
	Phase   ConnPhase
	Attempt int
}

// Connected reports whether the state describes a live stream.
func (s ConnectionState) Connected() bool { return s.Phase == PhaseConnected }
