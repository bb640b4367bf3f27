package wireguard

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"peer-sync/pkg/reconcile"
)

// PeerConfigs converts ordered reconcile operations into the wgctrl peer
// configs of a single ConfigureDevice call. Order is preserved.
func PeerConfigs(ops []reconcile.Operation) []wgtypes.PeerConfig {
	out := make([]wgtypes.PeerConfig, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case reconcile.OpRemove:
			out = append(out, wgtypes.PeerConfig{PublicKey: op.PublicKey, Remove: true})
		case reconcile.OpUpdate:
			pc := wgtypes.PeerConfig{PublicKey: op.PublicKey, UpdateOnly: true}
			if op.Diff.Endpoint != nil {
				pc.Endpoint = net.UDPAddrFromAddrPort(*op.Diff.Endpoint)
			}
			if op.Diff.Keepalive != nil {
				pc.PersistentKeepaliveInterval = ptrDuration(*op.Diff.Keepalive)
			}
			if ch := op.Diff.AllowedIPs; ch != nil {
				if ch.Replace {
					pc.ReplaceAllowedIPs = true
					pc.AllowedIPs = ipNets(ch.Result)
				} else {
					pc.AllowedIPs = ipNets(ch.Added)
				}
			}
			out = append(out, pc)
		case reconcile.OpAdd:
			pc := wgtypes.PeerConfig{
				PublicKey:         op.PublicKey,
				ReplaceAllowedIPs: true,
				AllowedIPs:        ipNets(op.Peer.AllowedIPs),
			}
			if op.Peer.Endpoint != nil {
				pc.Endpoint = net.UDPAddrFromAddrPort(*op.Peer.Endpoint)
			}
			if op.Peer.Keepalive != nil {
				pc.PersistentKeepaliveInterval = ptrDuration(*op.Peer.Keepalive)
			}
			out = append(out, pc)
		}
	}
	return out
}

// FromPeer converts a peer read from the device.
func FromPeer(p wgtypes.Peer) (reconcile.PeerConfig, error) {
	out := reconcile.PeerConfig{
		PublicKey: p.PublicKey,
		Keepalive: ptrDuration(p.PersistentKeepaliveInterval),
	}
	if p.Endpoint != nil {
		ap := p.Endpoint.AddrPort()
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		out.Endpoint = &ap
	}
	for _, n := range p.AllowedIPs {
		pfx, err := ipNetToPrefix(n)
		if err != nil {
			return reconcile.PeerConfig{}, fmt.Errorf("peer %s: %w", p.PublicKey, err)
		}
		out.AllowedIPs = append(out.AllowedIPs, pfx)
	}
	return out, nil
}

func ipNets(ps []netip.Prefix) []net.IPNet {
	out := make([]net.IPNet, 0, len(ps))
	for _, p := range ps {
		out = append(out, prefixToIPNet(p))
	}
	return out
}

func prefixToIPNet(pref netip.Prefix) net.IPNet {
	bits := 32
	if pref.Addr().Is6() {
		bits = 128
	}
	return net.IPNet{IP: pref.Addr().AsSlice(), Mask: net.CIDRMask(pref.Bits(), bits)}
}

func ipNetToPrefix(n net.IPNet) (netip.Prefix, error) {
	a, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid IP %v", n.IP)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(a.Unmap(), ones).Masked(), nil
}

func ptrDuration(d time.Duration) *time.Duration { return &d }
