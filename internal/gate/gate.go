// Package gate serializes access to the synthesis backend, which can only
// run one inference at a time.
package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capacity is how many jobs may hold the backend at once.
const Capacity = 1

// ErrCapacity is returned when the slot stays busy past the acquire timeout.
var ErrCapacity = errors.New("backend busy: gate acquire timed out")

// Gate is a capacity-1 semaphore. Waiters are admitted in arrival order.
type Gate struct {
	slot    chan struct{}
	timeout time.Duration

	acquired atomic.Int64
	released atomic.Int64

	acquireCounter metric.Int64Counter
	releaseCounter metric.Int64Counter
	waitHistogram  metric.Float64Histogram
}

// Token is proof of holding the slot.
type Token struct {
	g        *Gate
	once     sync.Once
	Acquired time.Time
}

// Stats is a point-in-time view of gate usage.
type Stats struct {
	Acquired int64
	Released int64
	InUse    bool
}

// New creates a gate. A zero acquireTimeout means Acquire waits until the
// slot frees up or ctx is done.
func New(acquireTimeout time.Duration) *Gate {
	g := &Gate{
		slot:    make(chan struct{}, Capacity),
		timeout: acquireTimeout,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-ttsgw/internal/gate")
	g.acquireCounter, _ = meter.Int64Counter("ttsgw.gate.acquired", metric.WithDescription("Gate slots granted"))
	g.releaseCounter, _ = meter.Int64Counter("ttsgw.gate.released", metric.WithDescription("Gate slots returned"))
	g.waitHistogram, _ = meter.Float64Histogram("ttsgw.gate.wait", metric.WithDescription("Time spent waiting for the gate"), metric.WithUnit("ms"))
	return g
}

// Acquire blocks until the slot is free. The caller must Release the token
// on every exit path.
func (g *Gate) Acquire(ctx context.Context) (*Token, error) {
	start := time.Now()
	var timeout <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrCapacity
	}

	g.acquired.Add(1)
	if g.acquireCounter != nil {
		g.acquireCounter.Add(ctx, 1)
	}
	if g.waitHistogram != nil {
		g.waitHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	return &Token{g: g, Acquired: time.Now()}, nil
}

// Release frees the slot. Calls after the first are no-ops.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		<-t.g.slot
		t.g.released.Add(1)
		if t.g.releaseCounter != nil {
			t.g.releaseCounter.Add(context.Background(), 1)
		}
	})
}

// Held reports how long the token has been held.
func (t *Token) Held() time.Duration { return time.Since(t.Acquired) }

func (g *Gate) Stats() Stats {
	return Stats{
		Acquired: g.acquired.Load(),
		Released: g.released.Load(),
		InUse:    len(g.slot) == Capacity,
	}
}
