package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// DefaultIPServices answer a plain-text GET with the caller's public address.
var DefaultIPServices = []string{
	"https://api.ipify.org",
	"http://ipv4.icanhazip.com",
	"http://ipv6.icanhazip.com",
}

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

// IsPublic reports whether addr is a global unicast address outside the
// private, CGNAT and link-local ranges.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || !addr.IsGlobalUnicast() {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// DetectEndpoints guesses the public UDP endpoints this node is reachable on.
// What the lookup services report comes first, since that is the address
// seen from outside any NAT, followed by public addresses on local
// interfaces. The result is deduplicated and may be empty.
func DetectEndpoints(ctx context.Context, listenPort int, services []string) []string {
	var addrs []netip.Addr
	client := &http.Client{Timeout: 2 * time.Second}
	for _, svc := range services {
		if a, ok := fetchPublicIP(ctx, client, svc); ok {
			addrs = append(addrs, a)
		}
	}
	addrs = append(addrs, interfaceAddrs()...)
	seen := make(map[netip.Addr]bool)
	var out []string
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, netip.AddrPortFrom(a, uint16(listenPort)).String())
	}
	return out
}

func interfaceAddrs() []netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipn.IP); ok && IsPublic(ip.Unmap()) {
				out = append(out, ip.Unmap())
			}
		}
	}
	return out
}

func fetchPublicIP(ctx context.Context, client *http.Client, url string) (netip.Addr, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, false
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(string(b)))
	if err != nil || !IsPublic(addr) {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
