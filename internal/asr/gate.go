package asr

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of inference calls in flight across all sessions.
// Sessions block in Acquire until a slot frees up or their context is
// cancelled, so audio keeps buffering while inference queues.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// GateStats reports gate state for monitoring
type GateStats struct {
	Capacity int64 `json:"capacity"`
	InFlight int64 `json:"in_flight"`
}

// NewGate creates a gate admitting at most capacity concurrent calls
func NewGate(capacity int) (*Gate, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("gate capacity must be at least 1, got %d", capacity)
	}

	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// Acquire blocks until a slot is available or ctx is cancelled. A session
// whose transport drops while queued is released here by its context.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("admission gate: %w", err)
	}

	g.inFlight.Add(1)
	return nil
}

// Release returns a slot to the gate
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight returns the number of slots currently held
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Capacity returns the maximum number of concurrent calls
func (g *Gate) Capacity() int64 {
	return g.capacity
}

// Stats returns current gate statistics
func (g *Gate) Stats() GateStats {
	return GateStats{
		Capacity: g.capacity,
		InFlight: g.inFlight.Load(),
	}
}
