package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublic(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"203.0.113.7", true},
		{"2001:db8::1", true},
		{"::ffff:203.0.113.7", true},
		{"10.1.2.3", false},
		{"172.20.0.1", false},
		{"192.168.1.1", false},
		{"100.64.0.1", false},
		{"169.254.1.1", false},
		{"127.0.0.1", false},
		{"fd00::1", false},
		{"fe80::1", false},
		{"::1", false},
		{"224.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPublic(netip.MustParseAddr(tt.addr)))
		})
	}
	assert.False(t, IsPublic(netip.Addr{}))
}

func TestDetectEndpointsFromServices(t *testing.T) {
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "203.0.113.7")
	}))
	defer public.Close()
	v6 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "2001:db8::7")
	}))
	defer v6.Close()
	private := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "10.0.0.1")
	}))
	defer private.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer broken.Close()

	eps := DetectEndpoints(context.Background(), 51820, []string{public.URL, public.URL, v6.URL, private.URL, broken.URL})
	assert.Contains(t, eps, "203.0.113.7:51820")
	assert.Contains(t, eps, "[2001:db8::7]:51820")
	assert.NotContains(t, eps, "10.0.0.1:51820")

	seen := map[string]int{}
	for _, ep := range eps {
		seen[ep]++
	}
	assert.Equal(t, 1, seen["203.0.113.7:51820"])
}
