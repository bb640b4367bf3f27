package api

import (
	"fmt"
	"net/http"
	"net/netip"
	"slices"

	"github.com/google/uuid"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
	"peer-sync/pkg/topology"
	"peer-sync/pkg/wireguard"
)

const defaultListenPort = 51820

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req NodeRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if req.Network == "" {
		req.Network = DefaultNetwork
	}

	existing, found, err := s.store.GetNode(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	node := model.Node{
		ID:         req.ID,
		Network:    req.Network,
		PublicKey:  req.PublicKey,
		Endpoints:  req.Endpoints,
		CIDRs:      req.CIDRs,
		ListenPort: req.ListenPort,
		OverlayIP:  req.OverlayIP,
	}
	provisioned := found && existing.ProvisionToken != "" && req.ProvisionToken == existing.ProvisionToken
	if provisioned {
		// keys and address were issued by prepare
		node.PublicKey = existing.PublicKey
		node.PrivateKey = existing.PrivateKey
		node.ProvisionToken = existing.ProvisionToken
		if node.OverlayIP == "" {
			node.OverlayIP = existing.OverlayIP
		}
		if node.ListenPort == 0 {
			node.ListenPort = existing.ListenPort
		}
	} else if found {
		node.PrivateKey = existing.PrivateKey
		node.ProvisionToken = existing.ProvisionToken
	}
	if node.PublicKey == "" {
		http.Error(w, "publicKey is required", http.StatusBadRequest)
		return
	}
	// The node must be usable as a mesh peer by everyone else.
	if mesh, ok := topology.MeshPeer(node); ok {
		if _, err := reconcile.ParsePeer(mesh); err != nil {
			writeError(w, err)
			return
		}
	}

	saved := existing
	changed := !found || req.Force || !nodeEqual(existing, node)
	if changed {
		// An address already routed to another node would break every
		// desired set in the network.
		if err := s.validateCandidate(node); err != nil {
			writeError(w, err)
			return
		}
		if saved, err = s.store.UpsertNode(node); err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.store.BumpVersion(saved.Network); err != nil {
			writeError(w, err)
			return
		}
		if found && existing.Network != saved.Network {
			if _, err := s.store.BumpVersion(existing.Network); err == nil {
				defer s.NotifyNetwork(existing.Network)
			}
		}
		defer s.NotifyNetwork(saved.Network)
		s.audit(r, "register", saved.Network, saved.ID, "node registered/updated")
	}
	s.log.Info("registered node", "node", saved.ID, "network", saved.Network,
		"endpoints", saved.Endpoints, "cidrs", saved.CIDRs, "version", saved.ConfigVersion, "changed", changed)

	snap, err := s.snapshot(saved)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := NodeConfigResponse{
		ID:            saved.ID,
		Network:       saved.Network,
		ConfigVersion: saved.ConfigVersion,
		OverlayIP:     saved.OverlayIP,
		ListenPort:    saved.ListenPort,
		PublicKey:     saved.PublicKey,
		Desired:       snap,
		Message:       "registered; desired peers derived from currently known nodes",
	}
	if provisioned {
		resp.PrivateKey = saved.PrivateKey
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.URL.Query().Get("network"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handlePrepare provisions a key pair, overlay address and one-time token
// for a node that has not run the agent yet.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ID == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Network == "" {
		req.Network = DefaultNetwork
	}
	existing, ok, err := s.store.GetNode(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	node := existing
	if !ok || existing.ProvisionToken == "" {
		priv, pub, err := wireguard.GenerateKeyPair()
		if err != nil {
			s.log.Error("generate key failed", logger.Err(err))
			http.Error(w, "failed to generate key", http.StatusInternalServerError)
			return
		}
		nodes, err := s.store.ListNodes("")
		if err != nil {
			writeError(w, err)
			return
		}
		overlay, err := allocateOverlay(s.overlay, nodes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		node = model.Node{
			ID:             req.ID,
			Network:        req.Network,
			PublicKey:      pub,
			PrivateKey:     priv,
			OverlayIP:      overlay.String(),
			ListenPort:     defaultListenPort,
			ProvisionToken: "pt-" + uuid.NewString(),
		}
		if node, err = s.store.UpsertNode(node); err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.store.BumpVersion(node.Network); err != nil {
			writeError(w, err)
			return
		}
		s.NotifyNetwork(node.Network)
		s.audit(r, "prepare", node.Network, node.ID, "provisioned "+node.OverlayIP)
	}

	addr := s.controllerURL
	if addr == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		addr = fmt.Sprintf("%s://%s", scheme, r.Host)
	}
	writeJSON(w, http.StatusOK, PrepareResponse{
		ID:             node.ID,
		Network:        node.Network,
		PublicKey:      node.PublicKey,
		PrivateKey:     node.PrivateKey,
		OverlayIP:      node.OverlayIP,
		ListenPort:     node.ListenPort,
		ProvisionToken: node.ProvisionToken,
		Command: fmt.Sprintf("peer-sync-agent run --controller=%s --node-id=%s --network=%s --provision-token=%s --auto-endpoint",
			addr, node.ID, node.Network, node.ProvisionToken),
	})
}

// allocateOverlay returns the first free host address of pool as a single
// address prefix. Network and (for IPv4) broadcast addresses are skipped.
func allocateOverlay(pool netip.Prefix, nodes []model.Node) (netip.Prefix, error) {
	if !pool.IsValid() {
		return netip.Prefix{}, fmt.Errorf("no overlay pool configured")
	}
	pool = pool.Masked()
	used := make(map[netip.Addr]bool, len(nodes))
	for _, n := range nodes {
		if a, ok := overlayAddr(n.OverlayIP); ok {
			used[a] = true
		}
	}
	for a := pool.Addr().Next(); a.IsValid() && pool.Contains(a); a = a.Next() {
		if a.Is4() && !pool.Contains(a.Next()) && pool.Bits() < 31 {
			break
		}
		if !used[a] {
			return netip.PrefixFrom(a, a.BitLen()), nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("overlay pool %s exhausted", pool)
}

func overlayAddr(s string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr(), true
	}
	a, err := netip.ParseAddr(s)
	return a, err == nil
}

func nodeEqual(a, b model.Node) bool {
	return a.ID == b.ID &&
		a.Network == b.Network &&
		a.PublicKey == b.PublicKey &&
		a.ListenPort == b.ListenPort &&
		a.OverlayIP == b.OverlayIP &&
		slices.Equal(a.Endpoints, b.Endpoints) &&
		slices.Equal(a.CIDRs, b.CIDRs)
}
