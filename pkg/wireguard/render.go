package wireguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"peer-sync/pkg/reconcile"
)

// Interface holds the [Interface] section of a wg-quick file.
type Interface struct {
	Address    string
	ListenPort int
	PrivateKey string
}

// RenderConfig produces a wg-quick compatible config for an interface and its
// peers. Peers are written in key order.
func RenderConfig(iface Interface, state reconcile.NetworkState) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	if iface.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", iface.Address)
	}
	if iface.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", iface.ListenPort)
	}
	if iface.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", iface.PrivateKey)
	}
	b.WriteString("\n")

	for _, key := range state.Keys() {
		p := state[key]
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", key)
		if p.Endpoint != nil {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			ips := make([]string, len(p.AllowedIPs))
			for i, pfx := range p.AllowedIPs {
				ips[i] = pfx.String()
			}
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(ips, ", "))
		}
		if p.Keepalive != nil && *p.Keepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", int(p.Keepalive.Seconds()))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// WriteConfig renders the snapshot to <dir>/<name>.conf with owner-only
// permissions and returns the path.
func WriteConfig(dir, name string, iface Interface, state reconcile.NetworkState) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name+".conf")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(RenderConfig(iface, state)), 0o600); err != nil {
		return "", fmt.Errorf("write wireguard config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace wireguard config: %w", err)
	}
	return path, nil
}
