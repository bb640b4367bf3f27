// Package reconcile computes the ordered set of peer operations that moves a
// WireGuard interface from its current peer set to a desired one.
//
// Reconcile is a pure function: it reads two snapshots and returns operations.
// Applying them, and serializing cycles per network, belongs to the caller.
package reconcile

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerConfig is the typed configuration of one peer, keyed by its public key.
//
// Endpoint and Keepalive are optional: nil means "unspecified" and leaves the
// interface value untouched. A zero Keepalive disables persistent keepalive.
type PeerConfig struct {
	PublicKey         wgtypes.Key
	Endpoint          *netip.AddrPort
	AllowedIPs        []netip.Prefix
	Remove            bool
	UpdateOnly        bool
	Keepalive         *time.Duration
	ReplaceAllowedIPs bool
}

// NetworkState is the applied peer set of one interface.
type NetworkState map[wgtypes.Key]PeerConfig

// DesiredState is the peer set requested by the operator.
type DesiredState map[wgtypes.Key]PeerConfig

// Kind is the type of a reconcile operation. Kinds sort in apply order.
type Kind uint8

const (
	OpRemove Kind = iota + 1
	OpUpdate
	OpAdd
)

func (k Kind) String() string {
	switch k {
	case OpRemove:
		return "remove"
	case OpUpdate:
		return "update"
	case OpAdd:
		return "add"
	}
	return "unknown"
}

// Operation is a single change to apply to the interface.
//
// Peer holds the full desired config for Add and Update, and the current config
// for Remove. Diff is only set for Update.
type Operation struct {
	Kind      Kind
	PublicKey wgtypes.Key
	Peer      PeerConfig
	Diff      Diff
}

// Diff lists the fields of an existing peer that change. Nil fields are unchanged.
type Diff struct {
	Endpoint   *netip.AddrPort
	Keepalive  *time.Duration
	AllowedIPs *AllowedIPsChange
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return d.Endpoint == nil && d.Keepalive == nil && d.AllowedIPs == nil
}

// AllowedIPsChange describes how a peer's allowed IP set changes.
// Result is the full set after the change.
type AllowedIPsChange struct {
	Replace bool
	Added   []netip.Prefix
	Removed []netip.Prefix
	Result  []netip.Prefix
}

// Clone returns a deep copy of the peer config.
func (p PeerConfig) Clone() PeerConfig {
	out := p
	if p.Endpoint != nil {
		ep := *p.Endpoint
		out.Endpoint = &ep
	}
	if p.Keepalive != nil {
		ka := *p.Keepalive
		out.Keepalive = &ka
	}
	out.AllowedIPs = slices.Clone(p.AllowedIPs)
	return out
}

// Clone returns a deep copy of the state.
func (s NetworkState) Clone() NetworkState {
	out := make(NetworkState, len(s))
	for k, p := range s {
		out[k] = p.Clone()
	}
	return out
}

// Keys returns the state's public keys in apply order.
func (s NetworkState) Keys() []wgtypes.Key { return sortedKeys(s) }

// Keys returns the desired public keys in apply order.
func (s DesiredState) Keys() []wgtypes.Key { return sortedKeys(s) }

// sortedKeys orders keys by their base64 form so output is stable across runs.
func sortedKeys[M ~map[wgtypes.Key]PeerConfig](m M) []wgtypes.Key {
	keys := make([]wgtypes.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b wgtypes.Key) int {
		return cmp.Compare(a.String(), b.String())
	})
	return keys
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

// normalizePrefixes masks host bits, drops duplicates and sorts.
func normalizePrefixes(in []netip.Prefix) []netip.Prefix {
	if len(in) == 0 {
		return nil
	}
	out := make([]netip.Prefix, 0, len(in))
	for _, p := range in {
		out = append(out, p.Masked())
	}
	slices.SortFunc(out, comparePrefix)
	return slices.Compact(out)
}

func normalize(p PeerConfig) PeerConfig {
	out := p.Clone()
	out.AllowedIPs = normalizePrefixes(p.AllowedIPs)
	return out
}

func ptr[T any](v T) *T { return &v }
