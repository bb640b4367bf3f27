package store

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"peer-sync/pkg/model"
)

const (
	maxReportsPerNode = 50
	maxAudit          = 1000
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]model.Node
	version map[string]int
	peers   map[string][]model.Peer
	netVer  map[string]int64
	reports map[string][]model.ApplyReport
	health  map[string]model.HealthReport
	audit   []model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]model.Node),
		version: make(map[string]int),
		peers:   make(map[string][]model.Peer),
		netVer:  make(map[string]int64),
		reports: make(map[string][]model.ApplyReport),
		health:  make(map[string]model.HealthReport),
	}
}

func (m *MemoryStore) UpsertNode(n model.Node) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.version[n.ID] + 1
	n.ConfigVersion = versionString(next)
	m.nodes[n.ID] = n
	m.version[n.ID] = next
	return n, nil
}

func (m *MemoryStore) GetNode(id string) (model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok, nil
}

func (m *MemoryStore) ListNodes(network string) ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if network == "" || n.Network == network {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b model.Node) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) ListPeers(network string) ([]model.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.peers[network]), nil
}

func (m *MemoryStore) UpdatePeers(network string, fn PeerUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(slices.Clone(m.peers[network]))
	if err != nil {
		return 0, err
	}
	m.peers[network] = slices.Clone(next)
	m.netVer[network]++
	return m.netVer[network], nil
}

func (m *MemoryStore) NetworkVersion(network string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.netVer[network], nil
}

func (m *MemoryStore) BumpVersion(network string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netVer[network]++
	return m.netVer[network], nil
}

func (m *MemoryStore) SaveReport(r model.ApplyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	list := append(m.reports[r.NodeID], r)
	if len(list) > maxReportsPerNode {
		list = list[len(list)-maxReportsPerNode:]
	}
	m.reports[r.NodeID] = list
	return nil
}

func (m *MemoryStore) ListReports(network, nodeID string, limit int) ([]model.ApplyReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ApplyReport
	for id, list := range m.reports {
		if nodeID != "" && id != nodeID {
			continue
		}
		for _, r := range list {
			if network == "" || r.Network == network {
				out = append(out, r)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b model.ApplyReport) int { return a.Timestamp.Compare(b.Timestamp) })
	return tail(out, limit), nil
}

func (m *MemoryStore) SaveHealth(h model.HealthReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[h.NodeID] = h
	return nil
}

func (m *MemoryStore) ListHealth(network string) ([]model.HealthReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.HealthReport, 0, len(m.health))
	for _, h := range m.health {
		if network == "" || h.Network == network {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b model.HealthReport) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out, nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.audit = append(m.audit, entry)
	if len(m.audit) > maxAudit {
		m.audit = m.audit[len(m.audit)-maxAudit:]
	}
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.audit, limit), nil
}

// LeaderGuard is a no-op leader hook for memory store; it simply runs cb once.
func (m *MemoryStore) LeaderGuard(ctx context.Context, _ string, _ time.Duration, cb func(context.Context)) {
	if cb != nil {
		cb(ctx)
	}
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }

func versionString(v int) string {
	return "v0.0." + strconv.Itoa(v)
}
