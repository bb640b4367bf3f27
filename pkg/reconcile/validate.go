package reconcile

import (
	"maps"
	"net/netip"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// maxKeepalive is the largest interval the kernel accepts (u16 seconds).
const maxKeepalive = 65535 * time.Second

// Validate runs the reconcile pre-pass: every peer in both snapshots must be
// well formed, and no two desired peers that survive the cycle may claim the
// same allowed IP range. Validation problems are reported before conflicts.
func Validate(current NetworkState, desired DesiredState) error {
	errs := newErrorList()
	for _, key := range sortedKeys(current) {
		errs = validatePeer(errs, key, current[key])
	}
	for _, key := range sortedKeys(desired) {
		errs = validatePeer(errs, key, desired[key])
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	return checkConflicts(current, desired)
}

func validatePeer(errs *multierror.Error, key wgtypes.Key, p PeerConfig) *multierror.Error {
	id := key.String()
	if key == (wgtypes.Key{}) {
		errs = multierror.Append(errs, &ValidationError{Field: "publicKey", Reason: "zero key"})
	}
	if p.PublicKey != key {
		errs = multierror.Append(errs, &ValidationError{
			PublicKey: id,
			Field:     "publicKey",
			Value:     p.PublicKey.String(),
			Reason:    "does not match state key",
		})
	}
	if p.Endpoint != nil {
		ep := *p.Endpoint
		if !ep.Addr().IsValid() || ep.Addr().IsUnspecified() || ep.Port() == 0 {
			errs = multierror.Append(errs, &ValidationError{
				PublicKey: id,
				Field:     "endpoint",
				Value:     ep.String(),
				Reason:    "endpoint needs an address and a non-zero port",
			})
		}
	}
	for _, pfx := range p.AllowedIPs {
		if !pfx.IsValid() {
			errs = multierror.Append(errs, &ValidationError{
				PublicKey: id,
				Field:     "allowedIPs",
				Value:     pfx.String(),
				Reason:    "unparseable mask",
			})
		}
	}
	if p.Keepalive != nil {
		ka := *p.Keepalive
		switch {
		case ka < 0:
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "keepalive", Value: ka.String(), Reason: "negative interval"})
		case ka > maxKeepalive:
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "keepalive", Value: ka.String(), Reason: "interval exceeds 65535s"})
		case ka%time.Second != 0:
			errs = multierror.Append(errs, &ValidationError{PublicKey: id, Field: "keepalive", Value: ka.String(), Reason: "interval must be whole seconds"})
		}
	}
	return errs
}

// checkConflicts looks for identical masked prefixes across desired peers that
// will exist after the cycle. Removed peers and update-only peers that have no
// match in current release their claims.
func checkConflicts(current NetworkState, desired DesiredState) error {
	claims := make(map[netip.Prefix][]string)
	for _, key := range sortedKeys(desired) {
		p := desired[key]
		if p.Remove {
			continue
		}
		if _, exists := current[key]; !exists && p.UpdateOnly {
			continue
		}
		for _, pfx := range normalizePrefixes(p.AllowedIPs) {
			claims[pfx] = append(claims[pfx], key.String())
		}
	}

	errs := newErrorList()
	prefixes := slices.SortedFunc(maps.Keys(claims), comparePrefix)
	for _, pfx := range prefixes {
		if owners := claims[pfx]; len(owners) > 1 {
			errs = multierror.Append(errs, &ConflictError{Prefix: pfx, PublicKeys: owners})
		}
	}
	return errs.ErrorOrNil()
}
