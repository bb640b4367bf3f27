package agent

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"peer-sync/pkg/model"
)

// Manager routes snapshots to one Worker per network, so at most one
// reconciliation is in flight per network.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*Worker
	ctx     context.Context
}

func NewManager() *Manager {
	return &Manager{workers: make(map[string]*Worker)}
}

// Add registers a worker. Workers added after Start are started at once.
func (m *Manager) Add(w *Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.Network()]; ok {
		return fmt.Errorf("worker for network %s already registered", w.Network())
	}
	m.workers[w.Network()] = w
	if m.ctx != nil {
		return w.Start(m.ctx)
	}
	return nil
}

// Submit hands the snapshot to the worker of its network.
func (m *Manager) Submit(snap model.DesiredSnapshot) bool {
	m.mu.Lock()
	w, ok := m.workers[snap.Network]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return w.Submit(snap)
}

func (m *Manager) Worker(network string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[network]
	return w, ok
}

// Networks returns the managed networks in order.
func (m *Manager) Networks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workers))
	for n := range m.workers {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every worker and waits for them.
func (m *Manager) Stop() error {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.ctx = nil
	m.mu.Unlock()
	for _, w := range workers {
		_ = w.Stop()
	}
	return nil
}
