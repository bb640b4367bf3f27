package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
	"peer-sync/pkg/store"
	"peer-sync/pkg/topology"
)

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	network := r.PathValue("network")
	peers, err := s.store.ListPeers(network)
	if err != nil {
		writeError(w, err)
		return
	}
	ver, err := s.store.NetworkVersion(network)
	if err != nil {
		writeError(w, err)
		return
	}
	if peers == nil {
		peers = []model.Peer{}
	}
	writeJSON(w, http.StatusOK, PeersResponse{Network: network, Version: ver, Peers: peers})
}

// handlePutPeers replaces the operator peers of a network. The set is
// rejected when it is malformed or when, merged with the mesh of any node,
// two surviving peers claim the same prefix.
func (s *Server) handlePutPeers(w http.ResponseWriter, r *http.Request) {
	network := r.PathValue("network")
	var peers []model.Peer
	if err := decodeJSON(w, r, &peers); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.validateNetwork(network, peers); err != nil {
		writeError(w, err)
		return
	}
	slices.SortFunc(peers, func(a, b model.Peer) int { return strings.Compare(a.PublicKey, b.PublicKey) })
	ver, err := s.store.UpdatePeers(network, store.ReplacePeers(peers))
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "set_peers", network, network, fmt.Sprintf("%d peers, version %d", len(peers), ver))
	s.log.Info("desired peers updated", "network", network, "peers", len(peers), "version", ver)
	s.NotifyNetwork(network)
	if peers == nil {
		peers = []model.Peer{}
	}
	writeJSON(w, http.StatusOK, PeersResponse{Network: network, Version: ver, Peers: peers})
}

// handleDeletePeer marks a peer Remove. A key the operator never declared
// gets a removal entry so agents drop it from their interfaces.
func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	network, raw := r.PathValue("network"), r.PathValue("key")
	key, err := wgtypes.ParseKey(raw)
	if err != nil {
		writeError(w, &reconcile.ValidationError{PublicKey: raw, Field: "publicKey", Value: raw, Reason: "not a base64 WireGuard key"})
		return
	}
	var result []model.Peer
	ver, err := s.store.UpdatePeers(network, func(current []model.Peer) ([]model.Peer, error) {
		found := false
		for i, p := range current {
			if p.PublicKey == key.String() {
				current[i] = model.Peer{Name: p.Name, PublicKey: p.PublicKey, AllowedIPs: []string{}, Remove: true}
				found = true
			}
		}
		if !found {
			current = append(current, model.Peer{PublicKey: key.String(), AllowedIPs: []string{}, Remove: true})
		}
		slices.SortFunc(current, func(a, b model.Peer) int { return strings.Compare(a.PublicKey, b.PublicKey) })
		result = current
		return current, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "remove_peer", network, key.String(), fmt.Sprintf("version %d", ver))
	s.NotifyNetwork(network)
	writeJSON(w, http.StatusOK, PeersResponse{Network: network, Version: ver, Peers: result})
}

func (s *Server) validateNetwork(network string, peers []model.Peer) error {
	desired, err := reconcile.ParseDesired(peers)
	if err != nil {
		return err
	}
	if err := reconcile.Validate(nil, desired); err != nil {
		return err
	}
	nodes, err := s.store.ListNodes(network)
	if err != nil {
		return err
	}
	return validateMesh(nodes, peers)
}

// validateCandidate checks the network as it would be with n registered,
// replacing any stored node with the same ID.
func (s *Server) validateCandidate(n model.Node) error {
	nodes, err := s.store.ListNodes(n.Network)
	if err != nil {
		return err
	}
	peers, err := s.store.ListPeers(n.Network)
	if err != nil {
		return err
	}
	nodes = slices.DeleteFunc(nodes, func(o model.Node) bool { return o.ID == n.ID })
	return validateMesh(append(nodes, n), peers)
}

// validateMesh validates the merged desired set of every node.
func validateMesh(nodes []model.Node, peers []model.Peer) error {
	for _, n := range nodes {
		merged, err := reconcile.ParseDesired(topology.BuildDesired(n, nodes, peers))
		if err == nil {
			err = reconcile.Validate(nil, merged)
		}
		if err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	return nil
}

// handleDesired serves the signed snapshot for one node. With waitVersion it
// long-polls until the network version moves past it or the wait times out.
func (s *Server) handleDesired(w http.ResponseWriter, r *http.Request) {
	network := r.PathValue("network")
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId is required", http.StatusBadRequest)
		return
	}
	node, ok, err := s.store.GetNode(nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok || node.Network != network {
		writeError(w, fmt.Errorf("node %s in network %s: %w", nodeID, network, store.ErrNotFound))
		return
	}
	if raw := r.URL.Query().Get("waitVersion"); raw != "" {
		target, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid waitVersion", http.StatusBadRequest)
			return
		}
		s.waitForVersion(r.Context(), network, target)
	}
	snap, err := s.snapshot(node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// waitForVersion blocks until the network version exceeds target, the
// request is canceled or waitTimeout elapses.
func (s *Server) waitForVersion(ctx context.Context, network string, target int64) {
	deadline := time.NewTimer(s.waitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()
	for {
		if v, err := s.store.NetworkVersion(network); err == nil && v > target {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// handlePreview runs the reconciler against a caller-supplied current state.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	network := r.PathValue("network")
	var req PreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	current, err := reconcile.ParseNetwork(req.Current)
	if err != nil {
		writeError(w, err)
		return
	}
	ver, err := s.store.NetworkVersion(network)
	if err != nil {
		writeError(w, err)
		return
	}
	wanted := req.Desired
	if wanted == nil {
		if wanted, err = s.desiredFor(network, req.NodeID); err != nil {
			writeError(w, err)
			return
		}
	}
	desired, err := reconcile.ParseDesired(wanted)
	if err != nil {
		writeError(w, err)
		return
	}
	ops, err := reconcile.Reconcile(current, desired)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{
		Version:    ver,
		Operations: reconcile.Records(ops),
		Summary:    reconcile.Summary(ops),
		Result:     reconcile.FormatState(reconcile.Simulate(current, ops)),
	})
}

// desiredFor returns the merged desired peers of a node, or only the
// operator peers when nodeID is empty.
func (s *Server) desiredFor(network, nodeID string) ([]model.Peer, error) {
	if nodeID == "" {
		return s.store.ListPeers(network)
	}
	node, ok, err := s.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if !ok || node.Network != network {
		return nil, fmt.Errorf("node %s in network %s: %w", nodeID, network, store.ErrNotFound)
	}
	snap, err := s.snapshot(node)
	if err != nil {
		return nil, err
	}
	return snap.Peers, nil
}

// NotifyNetwork pushes a fresh desired snapshot to every connected node of
// the network. It is also the callback for store watches.
func (s *Server) NotifyNetwork(network string) {
	for _, id := range s.hub.Connected(network) {
		s.pushNode(id)
	}
}

func (s *Server) pushNode(nodeID string) {
	node, ok, err := s.store.GetNode(nodeID)
	if err != nil || !ok {
		return
	}
	snap, err := s.snapshot(node)
	if err != nil {
		s.log.Warn("build snapshot failed", "node", nodeID, logger.Err(err))
		return
	}
	msg, err := model.NewMessage(model.MessageDesired, nodeID, snap)
	if err != nil {
		return
	}
	if err := s.hub.Send(nodeID, msg); err != nil {
		s.log.Debug("push desired skipped", "node", nodeID, logger.Err(err))
	}
}
