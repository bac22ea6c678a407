// Package pool implements a reusable LIFO pool of sandboxes
// shared between the primary run and retry waves.
package pool

import (
	"context"
	"sync"

	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/provider"
)

// SandboxPool holds sandboxes of uniform provider type for reuse across
// waves. It is guarded by a single mutex held only across O(1)
// operations; it does not itself bound size, the orchestrator only adds
// sandboxes it created under its own parallelism cap.
type SandboxPool struct {
	mu        sync.Mutex
	sandboxes []provider.Sandbox
}

// New creates an empty pool.
func New() *SandboxPool {
	return &SandboxPool{}
}

// WithCapacity creates an empty pool with pre-allocated backing capacity.
func WithCapacity(capacity int) *SandboxPool {
	return &SandboxPool{sandboxes: make([]provider.Sandbox, 0, capacity)}
}

// Add pushes a sandbox onto the pool.
func (p *SandboxPool) Add(s provider.Sandbox) {
	p.mu.Lock()
	p.sandboxes = append(p.sandboxes, s)
	p.mu.Unlock()
}

// TakeOne pops the most recently added sandbox, or returns false if the
// pool is empty.
func (p *SandboxPool) TakeOne() (provider.Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.sandboxes)
	if n == 0 {
		return nil, false
	}
	s := p.sandboxes[n-1]
	p.sandboxes = p.sandboxes[:n-1]
	return s, true
}

// TakeAll drains the pool and returns everything it held.
func (p *SandboxPool) TakeAll() []provider.Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sandboxes
	p.sandboxes = nil
	return out
}

// ReturnAll extends the pool with previously taken sandboxes.
func (p *SandboxPool) ReturnAll(sandboxes []provider.Sandbox) {
	p.mu.Lock()
	p.sandboxes = append(p.sandboxes, sandboxes...)
	p.mu.Unlock()
}

// Len returns the number of sandboxes currently held.
func (p *SandboxPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sandboxes)
}

// IsEmpty reports whether the pool holds no sandboxes.
func (p *SandboxPool) IsEmpty() bool {
	return p.Len() == 0
}

// TerminateAll terminates every sandbox in the pool, draining first and
// terminating outside the critical section. Errors are logged but never
// propagated; one failing sandbox does not stop the rest from being
// terminated.
func (p *SandboxPool) TerminateAll(ctx context.Context) {
	sandboxes := p.TakeAll()
	for _, s := range sandboxes {
		if err := s.Terminate(ctx); err != nil {
			util.Log(ctx).With("sandbox_id", s.ID()).WithError(err).Warn("failed to terminate sandbox")
		}
	}
}
