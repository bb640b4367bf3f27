package reconcile

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// Reconcile compares the applied peer set with the desired one and returns the
// operations that bring the interface in line, ordered removes, then updates,
// then adds.
//
// Peers present only in current are left alone; removal happens solely through
// the Remove flag. Update-only peers without a match in current are skipped.
// If validation fails no operations are returned.
func Reconcile(current NetworkState, desired DesiredState) ([]Operation, error) {
	if err := Validate(current, desired); err != nil {
		return nil, err
	}

	var removes, updates, adds []Operation
	for _, key := range sortedKeys(desired) {
		want := normalize(desired[key])
		have, exists := current[key]
		switch {
		case !exists:
			if want.UpdateOnly || want.Remove {
				continue
			}
			adds = append(adds, Operation{Kind: OpAdd, PublicKey: key, Peer: want})
		case want.Remove:
			removes = append(removes, Operation{Kind: OpRemove, PublicKey: key, Peer: normalize(have)})
		default:
			d := diffPeer(normalize(have), want)
			if d.Empty() {
				continue
			}
			updates = append(updates, Operation{Kind: OpUpdate, PublicKey: key, Peer: want, Diff: d})
		}
	}

	ops := make([]Operation, 0, len(removes)+len(updates)+len(adds))
	ops = append(ops, removes...)
	ops = append(ops, updates...)
	return append(ops, adds...), nil
}

func diffPeer(have, want PeerConfig) Diff {
	var d Diff
	if want.Endpoint != nil && (have.Endpoint == nil || *have.Endpoint != *want.Endpoint) {
		d.Endpoint = ptr(*want.Endpoint)
	}
	if want.Keepalive != nil && keepaliveOf(have) != *want.Keepalive {
		d.Keepalive = ptr(*want.Keepalive)
	}
	d.AllowedIPs = diffAllowedIPs(have.AllowedIPs, want.AllowedIPs, want.ReplaceAllowedIPs)
	return d
}

// diffAllowedIPs expects normalized inputs.
func diffAllowedIPs(have, want []netip.Prefix, replace bool) *AllowedIPsChange {
	added := subtract(want, have)
	if !replace {
		if len(added) == 0 {
			return nil
		}
		return &AllowedIPsChange{Added: added, Result: normalizePrefixes(append(slices.Clone(have), want...))}
	}
	removed := subtract(have, want)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return &AllowedIPsChange{Replace: true, Added: added, Removed: removed, Result: slices.Clone(want)}
}

// subtract returns the prefixes of a that are not in b.
func subtract(a, b []netip.Prefix) []netip.Prefix {
	var out []netip.Prefix
	for _, p := range a {
		if !slices.Contains(b, p) {
			out = append(out, p)
		}
	}
	return out
}

func keepaliveOf(p PeerConfig) time.Duration {
	if p.Keepalive == nil {
		return 0
	}
	return *p.Keepalive
}

// Counts summarises an operation list.
type Counts struct {
	Removed int `json:"removed"`
	Updated int `json:"updated"`
	Added   int `json:"added"`
}

// Total is the number of operations counted.
func (c Counts) Total() int { return c.Removed + c.Updated + c.Added }

// Summary counts operations by kind.
func Summary(ops []Operation) Counts {
	var c Counts
	for _, op := range ops {
		switch op.Kind {
		case OpRemove:
			c.Removed++
		case OpUpdate:
			c.Updated++
		case OpAdd:
			c.Added++
		}
	}
	return c
}

// String renders the operation for logs, e.g. "update <key> keepalive=25s".
func (op Operation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", op.Kind, op.PublicKey)
	if detail := op.Detail(); detail != "" {
		b.WriteString(" " + detail)
	}
	return b.String()
}

// Detail describes what an operation changes without the key.
func (op Operation) Detail() string {
	var parts []string
	switch op.Kind {
	case OpAdd:
		if op.Peer.Endpoint != nil {
			parts = append(parts, "endpoint="+op.Peer.Endpoint.String())
		}
		if op.Peer.Keepalive != nil {
			parts = append(parts, "keepalive="+op.Peer.Keepalive.String())
		}
		parts = append(parts, "allowedIPs="+joinPrefixes(op.Peer.AllowedIPs))
	case OpUpdate:
		if op.Diff.Endpoint != nil {
			parts = append(parts, "endpoint="+op.Diff.Endpoint.String())
		}
		if op.Diff.Keepalive != nil {
			parts = append(parts, "keepalive="+op.Diff.Keepalive.String())
		}
		if ch := op.Diff.AllowedIPs; ch != nil {
			if ch.Replace {
				parts = append(parts, "allowedIPs="+joinPrefixes(ch.Result))
			} else {
				parts = append(parts, "allowedIPs+="+joinPrefixes(ch.Added))
			}
		}
	}
	return strings.Join(parts, " ")
}

func joinPrefixes(ps []netip.Prefix) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = p.String()
	}
	return "[" + strings.Join(s, ",") + "]"
}

// Simulate returns the state the interface would have after applying ops to
// current. current is not modified.
func Simulate(current NetworkState, ops []Operation) NetworkState {
	out := current.Clone()
	for _, op := range ops {
		switch op.Kind {
		case OpRemove:
			delete(out, op.PublicKey)
		case OpUpdate:
			p, ok := out[op.PublicKey]
			if !ok {
				continue
			}
			if op.Diff.Endpoint != nil {
				p.Endpoint = ptr(*op.Diff.Endpoint)
			}
			if op.Diff.Keepalive != nil {
				p.Keepalive = ptr(*op.Diff.Keepalive)
			}
			if op.Diff.AllowedIPs != nil {
				p.AllowedIPs = slices.Clone(op.Diff.AllowedIPs.Result)
			}
			out[op.PublicKey] = applied(p)
		case OpAdd:
			out[op.PublicKey] = applied(op.Peer.Clone())
		}
	}
	return out
}

// applied strips request-only flags so the config looks like one read back
// from the device.
func applied(p PeerConfig) PeerConfig {
	p.Remove = false
	p.UpdateOnly = false
	p.ReplaceAllowedIPs = false
	if p.Keepalive == nil {
		p.Keepalive = ptr(time.Duration(0))
	}
	p.AllowedIPs = normalizePrefixes(p.AllowedIPs)
	return p
}
