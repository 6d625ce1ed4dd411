package serverfn

import (
	"context"
	"sync/atomic"
	"time"
)

// InvokeInfo describes one invocation to a [DispatchHook].
type InvokeInfo struct {
	Name      string
	Path      string
	Transport Transport

	// Metadata is the propagation-relevant subset of request headers,
	// lowercased keys. Tracing hooks extract remote context from it.
	Metadata map[string]string
}

// HookToken is opaque per-invocation state a hook threads from start to
// end.
type HookToken any

// DispatchHook observes invocations. OnInvokeStart may derive a new
// context (e.g. to attach a span); OnInvokeEnd receives the token it
// returned, the accumulated stats, and the handler's error, nil on
// success. For streams, start and end bracket the whole stream lifetime.
type DispatchHook interface {
	OnInvokeStart(ctx context.Context, info *InvokeInfo) (context.Context, HookToken)
	OnInvokeEnd(ctx context.Context, token HookToken, stats *CallStats, err error)
}

// CallStats accumulates counters over one invocation. Streams update it
// concurrently from reader and writer sides, so counters are atomic.
type CallStats struct {
	Start time.Time

	inputBytes  atomic.Int64
	outputBytes atomic.Int64
	itemsIn     atomic.Int64
	itemsOut    atomic.Int64
}

func newCallStats() *CallStats { return &CallStats{Start: time.Now()} }

// RecordInput counts one decoded inbound payload of n bytes.
func (s *CallStats) RecordInput(n int) {
	s.inputBytes.Add(int64(n))
	s.itemsIn.Add(1)
}

// RecordOutput counts one encoded outbound payload of n bytes.
func (s *CallStats) RecordOutput(n int) {
	s.outputBytes.Add(int64(n))
	s.itemsOut.Add(1)
}

// InputBytes returns total decoded inbound bytes.
func (s *CallStats) InputBytes() int64 { return s.inputBytes.Load() }

// OutputBytes returns total encoded outbound bytes.
func (s *CallStats) OutputBytes() int64 { return s.outputBytes.Load() }

// ItemsIn returns the count of inbound payloads (requests or stream items).
func (s *CallStats) ItemsIn() int64 { return s.itemsIn.Load() }

// ItemsOut returns the count of outbound payloads (responses or stream
// items).
func (s *CallStats) ItemsOut() int64 { return s.itemsOut.Load() }

// Elapsed returns time since the invocation started.
func (s *CallStats) Elapsed() time.Duration { return time.Since(s.Start) }

func metadataFromHeader(h map[string][]string) map[string]string {
	md := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			md[normalizeHeaderKey(k)] = vs[0]
		}
	}
	return md
}

func normalizeHeaderKey(k string) string {
	b := []byte(k)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
