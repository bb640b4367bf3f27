package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"peer-sync/pkg/consul"
	"peer-sync/pkg/model"
)

const (
	nodePrefix   = consul.Prefix + "nodes/"
	healthPrefix = consul.Prefix + "health/"
	auditPrefix  = consul.Prefix + "audit/"
	reportPrefix = consul.Prefix + "reports/"

	casRetries = 5
)

// ConsulStore keeps controller state in Consul KV so several controllers can
// share it.
type ConsulStore struct {
	cli *consulapi.Client
	kv  *consulapi.KV
}

// NewConsulStore connects to the agent at addr.
func NewConsulStore(addr, token string) (*ConsulStore, error) {
	cli, err := consul.NewClient(addr, token)
	if err != nil {
		return nil, err
	}
	return &ConsulStore{cli: cli, kv: cli.KV()}, nil
}

// Client exposes the underlying Consul client for watch helpers.
func (s *ConsulStore) Client() *consulapi.Client { return s.cli }

func (s *ConsulStore) UpsertNode(n model.Node) (model.Node, error) {
	prev, ok, err := s.GetNode(n.ID)
	if err != nil {
		return n, err
	}
	next := 1
	if ok {
		next = parseNodeVersion(prev.ConfigVersion) + 1
	}
	n.ConfigVersion = versionString(next)
	// PrivateKey and ProvisionToken are hidden from JSON; persist them through
	// a wider record.
	if err := s.putJSON(nodePrefix+n.ID, storedNode{Node: n, PrivateKey: n.PrivateKey, ProvisionToken: n.ProvisionToken}); err != nil {
		return n, err
	}
	return n, nil
}

type storedNode struct {
	model.Node
	PrivateKey     string `json:"privateKey,omitempty"`
	ProvisionToken string `json:"provisionToken,omitempty"`
}

func (sn storedNode) node() model.Node {
	n := sn.Node
	n.PrivateKey = sn.PrivateKey
	n.ProvisionToken = sn.ProvisionToken
	return n
}

func (s *ConsulStore) GetNode(id string) (model.Node, bool, error) {
	kv, _, err := s.kv.Get(nodePrefix+id, nil)
	if err != nil || kv == nil {
		return model.Node{}, false, err
	}
	var sn storedNode
	if err := json.Unmarshal(kv.Value, &sn); err != nil {
		return model.Node{}, false, fmt.Errorf("decode node %s: %w", id, err)
	}
	return sn.node(), true, nil
}

func (s *ConsulStore) ListNodes(network string) ([]model.Node, error) {
	pairs, _, err := s.kv.List(nodePrefix, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Node, 0, len(pairs))
	for _, p := range pairs {
		var sn storedNode
		if err := json.Unmarshal(p.Value, &sn); err != nil {
			continue
		}
		if network == "" || sn.Network == network {
			out = append(out, sn.node())
		}
	}
	return out, nil
}

func (s *ConsulStore) ListPeers(network string) ([]model.Peer, error) {
	peers, _, err := s.getPeers(network)
	return peers, err
}

func (s *ConsulStore) getPeers(network string) ([]model.Peer, uint64, error) {
	kv, _, err := s.kv.Get(consul.NetworkPeersKey(network), nil)
	if err != nil || kv == nil {
		return nil, 0, err
	}
	var peers []model.Peer
	if err := json.Unmarshal(kv.Value, &peers); err != nil {
		return nil, 0, fmt.Errorf("decode peers of %s: %w", network, err)
	}
	return peers, kv.ModifyIndex, nil
}

// UpdatePeers writes the peers and the bumped network version in one
// transaction, each guarded by check-and-set, so concurrent controllers can
// neither lose each other's edits nor publish peers under a stale version.
func (s *ConsulStore) UpdatePeers(network string, fn PeerUpdate) (int64, error) {
	peersKey, versionKey := consul.NetworkPeersKey(network), consul.NetworkVersionKey(network)
	for range casRetries {
		current, peersIndex, err := s.getPeers(network)
		if err != nil {
			return 0, err
		}
		vkv, _, err := s.kv.Get(versionKey, nil)
		if err != nil {
			return 0, err
		}
		v, err := consul.ParseVersion(vkv)
		if err != nil {
			return 0, err
		}
		var versionIndex uint64
		if vkv != nil {
			versionIndex = vkv.ModifyIndex
		}
		next, err := fn(slices.Clone(current))
		if err != nil {
			return 0, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return 0, err
		}
		v++
		ok, _, _, err := s.kv.Txn(peersTxn(peersKey, b, peersIndex, versionKey, v, versionIndex), nil)
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("update peers of %s: %w", network, ErrConflict)
}

// peersTxn builds the paired check-and-set ops. Index 0 only succeeds when
// the key does not exist yet.
func peersTxn(peersKey string, peers []byte, peersIndex uint64, versionKey string, version int64, versionIndex uint64) consulapi.KVTxnOps {
	return consulapi.KVTxnOps{
		{Verb: consulapi.KVCAS, Key: peersKey, Value: peers, Index: peersIndex},
		{Verb: consulapi.KVCAS, Key: versionKey, Value: []byte(strconv.FormatInt(version, 10)), Index: versionIndex},
	}
}

func (s *ConsulStore) NetworkVersion(network string) (int64, error) {
	kv, _, err := s.kv.Get(consul.NetworkVersionKey(network), nil)
	if err != nil {
		return 0, err
	}
	return consul.ParseVersion(kv)
}

func (s *ConsulStore) BumpVersion(network string) (int64, error) {
	key := consul.NetworkVersionKey(network)
	for range casRetries {
		kv, _, err := s.kv.Get(key, nil)
		if err != nil {
			return 0, err
		}
		v, err := consul.ParseVersion(kv)
		if err != nil {
			return 0, err
		}
		var index uint64
		if kv != nil {
			index = kv.ModifyIndex
		}
		v++
		ok, _, err := s.kv.CAS(&consulapi.KVPair{Key: key, Value: []byte(strconv.FormatInt(v, 10)), ModifyIndex: index}, nil)
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("bump version of %s: %w", network, ErrConflict)
}

func (s *ConsulStore) SaveReport(r model.ApplyReport) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s%s/%020d", reportPrefix, r.NodeID, r.Timestamp.UnixNano())
	return s.putJSON(key, r)
}

func (s *ConsulStore) ListReports(network, nodeID string, limit int) ([]model.ApplyReport, error) {
	prefix := reportPrefix
	if nodeID != "" {
		prefix += nodeID + "/"
	}
	pairs, _, err := s.kv.List(prefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.ApplyReport
	for _, p := range pairs {
		var r model.ApplyReport
		if err := json.Unmarshal(p.Value, &r); err != nil {
			continue
		}
		if network == "" || r.Network == network {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b model.ApplyReport) int { return a.Timestamp.Compare(b.Timestamp) })
	return tail(out, limit), nil
}

func (s *ConsulStore) SaveHealth(h model.HealthReport) error {
	return s.putJSON(healthPrefix+h.NodeID, h)
}

func (s *ConsulStore) ListHealth(network string) ([]model.HealthReport, error) {
	pairs, _, err := s.kv.List(healthPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.HealthReport
	for _, p := range pairs {
		var h model.HealthReport
		if err := json.Unmarshal(p.Value, &h); err == nil && (network == "" || h.Network == network) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *ConsulStore) AppendAudit(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s%020d-%s", auditPrefix, entry.Timestamp.UnixNano(), entry.Target)
	return s.putJSON(key, entry)
}

func (s *ConsulStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	pairs, _, err := s.kv.List(auditPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.AuditEntry
	for _, p := range pairs {
		var e model.AuditEntry
		if err := json.Unmarshal(p.Value, &e); err == nil {
			out = append(out, e)
		}
	}
	return tail(out, limit), nil
}

func (s *ConsulStore) Ping() error {
	_, err := s.cli.Status().Leader()
	return err
}

// StartWatch reports networks whose peers or version changed, including
// writes made by other controllers.
func (s *ConsulStore) StartWatch(ctx context.Context, onChange func(network string)) {
	go func() {
		seen := make(map[string]uint64)
		consul.WatchPrefix(ctx, s.cli, consul.NetworkPrefix(), func(pairs consulapi.KVPairs) {
			changed := make(map[string]bool)
			for _, p := range pairs {
				network, ok := consul.NetworkFromKey(p.Key)
				if !ok {
					continue
				}
				if seen[p.Key] != p.ModifyIndex {
					seen[p.Key] = p.ModifyIndex
					changed[network] = true
				}
			}
			for network := range changed {
				onChange(network)
			}
		})
	}()
}

// LeaderGuard runs cb while this controller holds the Consul lock at key.
func (s *ConsulStore) LeaderGuard(ctx context.Context, key string, ttl time.Duration, cb func(context.Context)) {
	consul.LeaderGuard(ctx, s.cli, key, ttl, cb)
}

func (s *ConsulStore) putJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func parseNodeVersion(cv string) int {
	n, _ := strconv.Atoi(cv[min(len(cv), len("v0.0.")):])
	return n
}
