package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-sync/pkg/model"
)

var (
	_ Store   = (*MemoryStore)(nil)
	_ Store   = (*ConsulStore)(nil)
	_ Watcher = (*ConsulStore)(nil)
)

func TestMemoryNodes(t *testing.T) {
	s := NewMemoryStore()

	n, err := s.UpsertNode(model.Node{ID: "b", Network: "lab"})
	require.NoError(t, err)
	assert.Equal(t, "v0.0.1", n.ConfigVersion)

	n, err = s.UpsertNode(model.Node{ID: "b", Network: "lab"})
	require.NoError(t, err)
	assert.Equal(t, "v0.0.2", n.ConfigVersion)

	_, err = s.UpsertNode(model.Node{ID: "a", Network: "lab"})
	require.NoError(t, err)
	_, err = s.UpsertNode(model.Node{ID: "c", Network: "prod"})
	require.NoError(t, err)

	lab, err := s.ListNodes("lab")
	require.NoError(t, err)
	require.Len(t, lab, 2)
	assert.Equal(t, "a", lab[0].ID)

	all, err := s.ListNodes("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, ok, err := s.GetNode("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryUpdatePeersBumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	peers := []model.Peer{{PublicKey: "k1", AllowedIPs: []string{"10.0.0.1/32"}}}

	v, err := s.UpdatePeers("lab", ReplacePeers(peers))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	got, err := s.ListPeers("lab")
	require.NoError(t, err)
	assert.Equal(t, peers, got)

	got[0].PublicKey = "mutated"
	again, _ := s.ListPeers("lab")
	assert.Equal(t, "k1", again[0].PublicKey)

	v, err = s.BumpVersion("lab")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	other, err := s.NetworkVersion("prod")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestMemoryUpdatePeersAbort(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")

	_, err := s.UpdatePeers("lab", func([]model.Peer) ([]model.Peer, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	v, _ := s.NetworkVersion("lab")
	assert.Zero(t, v)
}

func TestMemoryUpdatePeersConcurrent(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdatePeers("lab", func(cur []model.Peer) ([]model.Peer, error) {
				return append(cur, model.Peer{PublicKey: "k"}), nil
			})
		}()
	}
	wg.Wait()

	peers, _ := s.ListPeers("lab")
	assert.Len(t, peers, 20)
	v, _ := s.NetworkVersion("lab")
	assert.Equal(t, int64(20), v)
}

func TestMemoryReports(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxReportsPerNode+5; i++ {
		require.NoError(t, s.SaveReport(model.ApplyReport{NodeID: "n1", Network: "lab", Version: int64(i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, s.SaveReport(model.ApplyReport{NodeID: "n2", Network: "prod", Timestamp: base}))

	all, err := s.ListReports("lab", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, maxReportsPerNode)
	assert.Equal(t, int64(5), all[0].Version)

	last, err := s.ListReports("", "n1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(maxReportsPerNode+4), last[1].Version)
}

func TestMemoryHealthAndAudit(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SaveHealth(model.HealthReport{NodeID: "n1", Network: "lab", Status: "up"}))
	require.NoError(t, s.SaveHealth(model.HealthReport{NodeID: "n1", Network: "lab", Status: "down"}))
	require.NoError(t, s.SaveHealth(model.HealthReport{NodeID: "n2", Network: "prod"}))

	h, err := s.ListHealth("lab")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "down", h[0].Status)

	for _, a := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendAudit(model.AuditEntry{Action: a}))
	}
	entries, err := s.ListAudit(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Action)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestParseNodeVersion(t *testing.T) {
	assert.Equal(t, 7, parseNodeVersion("v0.0.7"))
	assert.Equal(t, 0, parseNodeVersion(""))
}
