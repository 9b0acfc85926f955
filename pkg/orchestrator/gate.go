package orchestrator

import (
	"context"
	"sync"
)

// Gate is a reusable broadcast signal. Waiters block until Signal; Reset
// arms it again.
type Gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

func (g *Gate) Signal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *Gate) Ready() bool {
	select {
	case <-g.done():
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is signalled or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
