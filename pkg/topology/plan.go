// Package topology derives the desired peer set of a node.
package topology

import (
	"slices"
	"strings"

	"peer-sync/pkg/model"
)

// MeshKeepalive is the persistent keepalive used for mesh peers, enough to
// hold NAT mappings open.
const MeshKeepalive = 25

// BuildDesired returns the desired peers for the target node: a full mesh of
// the other registered nodes in its network, merged with the operator's
// declared peers. An operator peer replaces the mesh peer with the same key.
// The node's own key is never included.
func BuildDesired(target model.Node, nodes []model.Node, operator []model.Peer) []model.Peer {
	byKey := make(map[string]model.Peer)
	var order []string
	put := func(p model.Peer) {
		if p.PublicKey == "" || p.PublicKey == target.PublicKey {
			return
		}
		if _, ok := byKey[p.PublicKey]; !ok {
			order = append(order, p.PublicKey)
		}
		byKey[p.PublicKey] = p
	}

	for _, n := range nodes {
		if n.ID == target.ID || n.Network != target.Network {
			continue
		}
		if p, ok := MeshPeer(n); ok {
			put(p)
		}
	}
	for _, p := range operator {
		put(p)
	}

	out := make([]model.Peer, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	slices.SortFunc(out, func(a, b model.Peer) int { return strings.Compare(a.PublicKey, b.PublicKey) })
	return out
}

// MeshPeer converts a registered node into the peer other nodes should have.
// It picks the node's first endpoint and only its own overlay/CIDRs as
// AllowedIPs.
func MeshPeer(n model.Node) (model.Peer, bool) {
	if n.PublicKey == "" {
		return model.Peer{}, false
	}
	allowed := make([]string, 0, len(n.CIDRs)+1)
	seen := make(map[string]bool, len(n.CIDRs)+1)
	if n.OverlayIP != "" {
		allowed = append(allowed, n.OverlayIP)
		seen[n.OverlayIP] = true
	}
	for _, cidr := range n.CIDRs {
		if !seen[cidr] {
			allowed = append(allowed, cidr)
			seen[cidr] = true
		}
	}
	if len(allowed) == 0 {
		return model.Peer{}, false
	}
	endpoint := ""
	if len(n.Endpoints) > 0 {
		endpoint = n.Endpoints[0]
	}
	keepalive := MeshKeepalive
	return model.Peer{
		Name:              n.ID,
		PublicKey:         n.PublicKey,
		Endpoint:          endpoint,
		AllowedIPs:        allowed,
		KeepaliveSeconds:  &keepalive,
		ReplaceAllowedIPs: true,
	}, true
}
