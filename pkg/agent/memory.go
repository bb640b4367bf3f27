package agent

import (
	"context"
	"sync"

	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
)

// MemoryInterface stands in for a kernel interface when the agent only
// renders configuration. Apply updates the held state as the kernel would.
type MemoryInterface struct {
	mu    sync.Mutex
	state reconcile.NetworkState
}

func NewMemoryInterface(initial reconcile.NetworkState) *MemoryInterface {
	if initial == nil {
		initial = reconcile.NetworkState{}
	}
	return &MemoryInterface{state: initial.Clone()}
}

func (m *MemoryInterface) State(ctx context.Context) (reconcile.NetworkState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryInterface) Apply(ctx context.Context, ops []reconcile.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = reconcile.Simulate(m.state, ops)
	return nil
}

// Health reports every held peer with zero counters.
func (m *MemoryInterface) Health(ctx context.Context) (map[string]model.PeerHealth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.PeerHealth, len(m.state))
	for k := range m.state {
		out[k.String()] = model.PeerHealth{}
	}
	return out, nil
}
