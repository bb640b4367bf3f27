package reconcile

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"peer-sync/pkg/model"
)

// ParsePeer converts the wire shape of a peer into a PeerConfig. Allowed IPs
// are masked and deduplicated; a bare address is taken as a host route.
// All problems with the peer are reported together.
func ParsePeer(in model.Peer) (PeerConfig, error) {
	errs := newErrorList()
	id := strings.TrimSpace(in.PublicKey)

	var out PeerConfig
	key, err := wgtypes.ParseKey(id)
	switch {
	case err != nil:
		errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "publicKey", Value: in.PublicKey, Reason: "malformed key: " + err.Error()})
	case key == (wgtypes.Key{}):
		errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "publicKey", Reason: "zero key"})
	default:
		out.PublicKey = key
	}

	if ep := strings.TrimSpace(in.Endpoint); ep != "" {
		ap, err := netip.ParseAddrPort(ep)
		switch {
		case err != nil:
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "endpoint", Value: ep, Reason: "want ip:port"})
		case ap.Addr().IsUnspecified() || ap.Port() == 0:
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "endpoint", Value: ep, Reason: "endpoint needs an address and a non-zero port"})
		default:
			out.Endpoint = &ap
		}
	}

	for _, raw := range in.AllowedIPs {
		pfx, err := ParsePrefix(raw)
		if err != nil {
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "allowedIPs", Value: raw, Reason: err.Error()})
			continue
		}
		out.AllowedIPs = append(out.AllowedIPs, pfx)
	}
	out.AllowedIPs = normalizePrefixes(out.AllowedIPs)

	if in.KeepaliveSeconds != nil {
		secs := *in.KeepaliveSeconds
		if secs < 0 || secs > 65535 {
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "keepaliveSeconds", Value: strconv.Itoa(secs), Reason: "must be between 0 and 65535"})
		} else {
			out.Keepalive = ptr(time.Duration(secs) * time.Second)
		}
	}

	out.Remove = in.Remove
	out.UpdateOnly = in.UpdateOnly
	out.ReplaceAllowedIPs = in.ReplaceAllowedIPs

	if err := errs.ErrorOrNil(); err != nil {
		return PeerConfig{}, err
	}
	return out, nil
}

// ParsePrefix accepts CIDR notation or a bare address (host route).
func ParsePrefix(raw string) (netip.Prefix, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return pfx.Masked(), nil
}

// ParseDesired parses a desired peer list. Duplicate keys are rejected.
func ParseDesired(peers []model.Peer) (DesiredState, error) {
	m, err := parseAll(peers)
	return DesiredState(m), err
}

// ParseNetwork parses a peer list describing the applied state of an interface.
func ParseNetwork(peers []model.Peer) (NetworkState, error) {
	m, err := parseAll(peers)
	return NetworkState(m), err
}

func parseAll(peers []model.Peer) (map[wgtypes.Key]PeerConfig, error) {
	errs := newErrorList()
	out := make(map[wgtypes.Key]PeerConfig, len(peers))
	for _, in := range peers {
		p, err := ParsePeer(in)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, dup := out[p.PublicKey]; dup {
			errs = multierror.Append(errs, &ValidationError{PublicKey: p.PublicKey.String(), Field: "publicKey", Reason: "duplicate peer"})
			continue
		}
		out[p.PublicKey] = p
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatPeer converts a PeerConfig back to its wire shape.
func FormatPeer(p PeerConfig) model.Peer {
	out := model.Peer{
		PublicKey:         p.PublicKey.String(),
		AllowedIPs:        make([]string, 0, len(p.AllowedIPs)),
		Remove:            p.Remove,
		UpdateOnly:        p.UpdateOnly,
		ReplaceAllowedIPs: p.ReplaceAllowedIPs,
	}
	if p.Endpoint != nil {
		out.Endpoint = p.Endpoint.String()
	}
	for _, pfx := range p.AllowedIPs {
		out.AllowedIPs = append(out.AllowedIPs, pfx.String())
	}
	if p.Keepalive != nil {
		out.KeepaliveSeconds = ptr(int(*p.Keepalive / time.Second))
	}
	return out
}

// FormatState returns the peers of a state in key order.
func FormatState[M ~map[wgtypes.Key]PeerConfig](m M) []model.Peer {
	out := make([]model.Peer, 0, len(m))
	for _, key := range sortedKeys(m) {
		out = append(out, FormatPeer(m[key]))
	}
	return out
}

// Records flattens operations for reports and journals.
func Records(ops []Operation) []model.OperationRecord {
	out := make([]model.OperationRecord, 0, len(ops))
	for _, op := range ops {
		out = append(out, model.OperationRecord{
			Kind:      op.Kind.String(),
			PublicKey: op.PublicKey.String(),
			Detail:    op.Detail(),
		})
	}
	return out
}
