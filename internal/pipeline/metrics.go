package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters. Stats may be read while Run is in
// progress, hence atomics.
type Metrics struct {
	SessionID string

	Received    atomic.Uint64
	Messages    atomic.Uint64
	Diagnostics atomic.Uint64
	Unbound     atomic.Uint64
	Replayed    atomic.Uint64
	Mismatches  atomic.Uint64
	SinkErrors  atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(sessionID string) *Metrics {
	return &Metrics{SessionID: sessionID}
}
