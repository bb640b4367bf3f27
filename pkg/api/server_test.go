package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"peer-sync/pkg/auth"
	"peer-sync/pkg/db"
	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
	"peer-sync/pkg/store"
)

func key(b byte) string {
	var k wgtypes.Key
	for i := range k {
		k[i] = b
	}
	return k.String()
}

func newTestServer(t *testing.T, opts Options) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	opts.Store = st
	opts.Logger = logger.Discard()
	if !opts.OverlayCIDR.IsValid() {
		opts.OverlayCIDR = netip.MustParsePrefix("10.10.0.0/16")
	}
	s := NewServer(opts)
	t.Cleanup(s.Hub().Close)
	return s, st
}

func do(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func registerNode(t *testing.T, h http.Handler, id string, k byte, overlay string) NodeConfigResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/nodes/register", NodeRegistrationRequest{
		ID:        id,
		Network:   "lab",
		PublicKey: key(k),
		Endpoints: []string{fmt.Sprintf("198.51.100.%d:51820", k)},
		OverlayIP: overlay,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[NodeConfigResponse](t, rec)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStaticTokenAuth(t *testing.T) {
	s, _ := newTestServer(t, Options{Token: "secret"})
	h := s.Handler()

	tests := []struct {
		name string
		hdr  []string
		want int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"X-Auth-Token", "nope"}, http.StatusUnauthorized},
		{"header", []string{"X-Auth-Token", "secret"}, http.StatusOK},
		{"bearer", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/v1/nodes", nil, tt.hdr...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestJWTAuth(t *testing.T) {
	issuer, err := auth.NewIssuer("jwt-secret", time.Hour)
	require.NoError(t, err)
	s, _ := newTestServer(t, Options{Issuer: issuer})
	tok, err := issuer.Generate(1, "alice", true)
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/nodes", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/nodes", nil, "Authorization", "Bearer "+tok+"x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterBuildsMeshSnapshot(t *testing.T) {
	s, st := newTestServer(t, Options{})
	h := s.Handler()

	first := registerNode(t, h, "n1", 1, "10.10.0.1/32")
	assert.Equal(t, int64(1), first.Desired.Version)
	assert.Empty(t, first.Desired.Peers)
	assert.Empty(t, first.PrivateKey)

	second := registerNode(t, h, "n2", 2, "10.10.0.2/32")
	assert.Equal(t, int64(2), second.Desired.Version)
	require.Len(t, second.Desired.Peers, 1)
	p := second.Desired.Peers[0]
	assert.Equal(t, key(1), p.PublicKey)
	assert.Equal(t, "198.51.100.1:51820", p.Endpoint)
	assert.Equal(t, []string{"10.10.0.1/32"}, p.AllowedIPs)
	assert.True(t, p.ReplaceAllowedIPs)

	rec := do(t, h, http.MethodGet, "/api/v1/networks/lab/desired?nodeId=n1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[model.DesiredSnapshot](t, rec)
	assert.True(t, snap.Verify())
	assert.NotEmpty(t, snap.Signature)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, key(2), snap.Peers[0].PublicKey)

	// unchanged re-registration does not bump the network
	registerNode(t, h, "n1", 1, "10.10.0.1/32")
	v, err := st.NetworkVersion("lab")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	entries, err := st.ListAudit(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRegisterValidation(t *testing.T) {
	s, st := newTestServer(t, Options{})
	h := s.Handler()
	registerNode(t, h, "n1", 1, "10.10.0.1/32")
	registerNode(t, h, "n2", 2, "10.10.0.2/32")
	ep := []string{"198.51.100.9:51820"}

	tests := []struct {
		name string
		req  NodeRegistrationRequest
		want int
	}{
		{"missing id", NodeRegistrationRequest{PublicKey: key(9)}, http.StatusBadRequest},
		{"missing key", NodeRegistrationRequest{ID: "n9"}, http.StatusBadRequest},
		{"hostname endpoint", NodeRegistrationRequest{ID: "n9", Network: "lab", PublicKey: key(9), OverlayIP: "10.10.0.9/32", Endpoints: []string{"vpn.example.com:51820"}}, http.StatusUnprocessableEntity},
		{"bad key", NodeRegistrationRequest{ID: "n9", Network: "lab", PublicKey: "abc", OverlayIP: "10.10.0.9/32"}, http.StatusUnprocessableEntity},
		{"overlay already routed", NodeRegistrationRequest{ID: "n9", Network: "lab", PublicKey: key(9), OverlayIP: "10.10.0.1/32", Endpoints: ep}, http.StatusConflict},
		{"cidr equals a mesh address", NodeRegistrationRequest{ID: "n9", Network: "lab", PublicKey: key(9), OverlayIP: "10.10.0.9/32", CIDRs: []string{"10.10.0.2/32"}, Endpoints: ep}, http.StatusConflict},
		{"node keeps its own address", NodeRegistrationRequest{ID: "n1", Network: "lab", PublicKey: key(1), OverlayIP: "10.10.0.1/32", Endpoints: ep}, http.StatusOK},
		{"same address in another network", NodeRegistrationRequest{ID: "n9", Network: "prod", PublicKey: key(9), OverlayIP: "10.10.0.1/32", Endpoints: ep}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/nodes/register", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusConflict {
				assert.NotEmpty(t, decode[ErrorResponse](t, rec).Problems)
			}
		})
	}

	nodes, err := st.ListNodes("lab")
	require.NoError(t, err)
	assert.Len(t, nodes, 2, "rejected registrations are not stored")

	// the network stays editable
	rec := do(t, h, http.MethodPut, "/api/v1/networks/lab/peers", []model.Peer{{PublicKey: key(7), AllowedIPs: []string{"10.20.0.0/24"}}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPutPeers(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()
	registerNode(t, h, "n1", 1, "10.10.0.1/32")
	registerNode(t, h, "n2", 2, "10.10.0.2/32")

	tests := []struct {
		name     string
		peers    []model.Peer
		want     int
		problems int
	}{
		{
			name:     "malformed",
			peers:    []model.Peer{{PublicKey: "nope", AllowedIPs: []string{"10.1.0.0/33"}}},
			want:     http.StatusUnprocessableEntity,
			problems: 2,
		},
		{
			name: "conflict between operator peers",
			peers: []model.Peer{
				{PublicKey: key(3), AllowedIPs: []string{"10.20.0.0/24"}},
				{PublicKey: key(4), AllowedIPs: []string{"10.20.0.7/24"}},
			},
			want:     http.StatusConflict,
			problems: 1,
		},
		{
			name:     "conflict with mesh peer",
			peers:    []model.Peer{{PublicKey: key(3), AllowedIPs: []string{"10.10.0.1/32"}}},
			want:     http.StatusConflict,
			problems: 1,
		},
		{
			name: "removed peer does not conflict",
			peers: []model.Peer{
				{PublicKey: key(3), AllowedIPs: []string{"10.20.0.0/24"}},
				{PublicKey: key(4), AllowedIPs: []string{"10.20.0.0/24"}, Remove: true},
			},
			want: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, "/api/v1/networks/lab/peers", tt.peers)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusOK {
				resp := decode[ErrorResponse](t, rec)
				assert.Len(t, resp.Problems, tt.problems)
			}
		})
	}

	rec := do(t, h, http.MethodGet, "/api/v1/networks/lab/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PeersResponse](t, rec)
	assert.Equal(t, int64(3), resp.Version)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, key(3), resp.Peers[0].PublicKey)
}

func TestDeletePeer(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()
	rec := do(t, h, http.MethodPut, "/api/v1/networks/lab/peers", []model.Peer{
		{Name: "office", PublicKey: key(3), AllowedIPs: []string{"10.20.0.0/24"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/networks/lab/peers/"+url.PathEscape(key(3)), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PeersResponse](t, rec)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].Remove)
	assert.Equal(t, "office", resp.Peers[0].Name)
	assert.Equal(t, int64(2), resp.Version)

	rec = do(t, h, http.MethodDelete, "/api/v1/networks/lab/peers/"+url.PathEscape(key(9)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[PeersResponse](t, rec)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, key(9), resp.Peers[1].PublicKey)
	assert.True(t, resp.Peers[1].Remove)

	rec = do(t, h, http.MethodDelete, "/api/v1/networks/lab/peers/not-a-key", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDesiredUnknownNode(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()
	registerNode(t, h, "n1", 1, "10.10.0.1/32")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/networks/lab/desired?nodeId=ghost", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/networks/other/desired?nodeId=n1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/networks/lab/desired", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/networks/lab/desired?nodeId=n1&waitVersion=x", nil).Code)
}

func TestDesiredLongPoll(t *testing.T) {
	s, st := newTestServer(t, Options{WaitTimeout: 30 * time.Millisecond})
	s.pollInterval = 5 * time.Millisecond
	h := s.Handler()
	registerNode(t, h, "n1", 1, "10.10.0.1/32")

	start := time.Now()
	rec := do(t, h, http.MethodGet, "/api/v1/networks/lab/desired?nodeId=n1&waitVersion=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[model.DesiredSnapshot](t, rec).Version)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	s.waitTimeout = 5 * time.Second
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = st.BumpVersion("lab")
	}()
	rec = do(t, h, http.MethodGet, "/api/v1/networks/lab/desired?nodeId=n1&waitVersion=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[model.DesiredSnapshot](t, rec).Version)
}

func TestPreview(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()
	current := []model.Peer{
		{PublicKey: key(5), Endpoint: "192.0.2.5:51820", AllowedIPs: []string{"10.50.0.0/24"}},
		{PublicKey: key(7), AllowedIPs: []string{"10.70.0.0/24"}},
	}
	rec := do(t, h, http.MethodPut, "/api/v1/networks/lab/peers", []model.Peer{
		{PublicKey: key(5), Remove: true},
		{PublicKey: key(6), AllowedIPs: []string{"10.60.0.0/24"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/networks/lab/preview", PreviewRequest{Current: current})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PreviewResponse](t, rec)
	assert.Equal(t, int64(1), resp.Version)
	require.Len(t, resp.Operations, 2)
	assert.Equal(t, "remove", resp.Operations[0].Kind)
	assert.Equal(t, key(5), resp.Operations[0].PublicKey)
	assert.Equal(t, "add", resp.Operations[1].Kind)
	assert.Equal(t, 1, resp.Summary.Removed)
	assert.Equal(t, 1, resp.Summary.Added)
	require.Len(t, resp.Result, 2)
	assert.Equal(t, key(6), resp.Result[0].PublicKey)
	assert.Equal(t, key(7), resp.Result[1].PublicKey)
}

func TestPreviewErrors(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/networks/lab/preview", PreviewRequest{
		Desired: []model.Peer{
			{PublicKey: key(1), AllowedIPs: []string{"10.1.0.0/16"}},
			{PublicKey: key(2), AllowedIPs: []string{"10.1.0.0/16"}},
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/networks/lab/preview", PreviewRequest{
		Current: []model.Peer{{PublicKey: key(1), Endpoint: "host:1"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/networks/lab/preview", PreviewRequest{NodeID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportsHealthAudit(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/reports", model.ApplyReport{CycleID: "c1", NodeID: "n1", Network: "lab", Version: 4, Status: model.ReportApplied})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/reports", model.ApplyReport{CycleID: "c2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/reports?nodeId=n1&network=lab", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decode[[]model.ApplyReport](t, rec)
	require.Len(t, reports, 1)
	assert.Equal(t, "c1", reports[0].CycleID)
	assert.False(t, reports[0].Timestamp.IsZero())

	rec = do(t, h, http.MethodPost, "/api/v1/health", model.HealthReport{NodeID: "n1", Network: "lab", Status: "up"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/health?network=lab", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.HealthReport](t, rec), 1)

	do(t, h, http.MethodPut, "/api/v1/networks/lab/peers", []model.Peer{})
	rec = do(t, h, http.MethodGet, "/api/v1/audit?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]model.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "set_peers", entries[0].Action)
	assert.Equal(t, "anonymous", entries[0].Actor)
}

func TestPrepareThenProvisionedRegister(t *testing.T) {
	s, _ := newTestServer(t, Options{Token: "secret", ControllerURL: "https://ctl.example.com"})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/nodes/prepare", PrepareRequest{ID: "n1", Network: "lab"}, "X-Auth-Token", "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prep := decode[PrepareResponse](t, rec)
	assert.Equal(t, "10.10.0.1/32", prep.OverlayIP)
	assert.Equal(t, 51820, prep.ListenPort)
	assert.True(t, strings.HasPrefix(prep.ProvisionToken, "pt-"))
	assert.Contains(t, prep.Command, "--controller=https://ctl.example.com")

	again := decode[PrepareResponse](t, do(t, h, http.MethodPost, "/api/v1/nodes/prepare", PrepareRequest{ID: "n1", Network: "lab"}, "X-Auth-Token", "secret"))
	assert.Equal(t, prep.ProvisionToken, again.ProvisionToken)

	body := NodeRegistrationRequest{ID: "n1", Network: "lab", Endpoints: []string{"203.0.113.7:51820"}, ProvisionToken: prep.ProvisionToken}
	rec = do(t, h, http.MethodPost, "/api/v1/nodes/register", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/nodes/register", body, HeaderNodeID, "n1", HeaderProvisionToken, prep.ProvisionToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reg := decode[NodeConfigResponse](t, rec)
	assert.Equal(t, prep.PublicKey, reg.PublicKey)
	assert.Equal(t, prep.PrivateKey, reg.PrivateKey)
	assert.Equal(t, "10.10.0.1/32", reg.OverlayIP)

	rec = do(t, h, http.MethodPost, "/api/v1/nodes/prepare", PrepareRequest{ID: "n2"}, "X-Auth-Token", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.10.0.2/32", decode[PrepareResponse](t, rec).OverlayIP)
}

func TestAllocateOverlay(t *testing.T) {
	nodes := func(ips ...string) []model.Node {
		out := make([]model.Node, len(ips))
		for i, ip := range ips {
			out[i] = model.Node{ID: ip, OverlayIP: ip}
		}
		return out
	}
	tests := []struct {
		name  string
		pool  string
		nodes []model.Node
		want  string
		err   bool
	}{
		{"empty pool", "10.10.0.0/16", nil, "10.10.0.1/32", false},
		{"skips used", "10.10.0.0/16", nodes("10.10.0.1/32", "10.10.0.2"), "10.10.0.3/32", false},
		{"ignores mask of used", "10.10.0.0/16", nodes("10.10.0.1/24"), "10.10.0.2/32", false},
		{"exhausted skips broadcast", "10.10.0.0/30", nodes("10.10.0.1/32", "10.10.0.2/32"), "", true},
		{"ipv6", "fd00::/64", nodes("fd00::1/128"), "fd00::2/128", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := allocateOverlay(netip.MustParsePrefix(tt.pool), tt.nodes)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := allocateOverlay(netip.Prefix{}, nil)
	assert.Error(t, err)
}

type fakeUsers struct {
	mu    sync.Mutex
	users []model.User
}

func (f *fakeUsers) Count() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.users)), nil
}

func (f *fakeUsers) Create(u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = uint(len(f.users) + 1)
	f.users = append(f.users, *u)
	return nil
}

func (f *fakeUsers) FindByUsername(name string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == name {
			return u, nil
		}
	}
	return model.User{}, db.ErrUserNotFound
}

func TestOperatorAccounts(t *testing.T) {
	issuer, err := auth.NewIssuer("jwt-secret", time.Hour)
	require.NoError(t, err)
	s, _ := newTestServer(t, Options{Issuer: issuer, Users: &fakeUsers{}})
	h := s.Handler()

	creds := authRequest{Username: "admin", Password: "hunter2"}
	rec := do(t, h, http.MethodPost, "/api/v1/auth/register", creds)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[tokenResponse](t, rec).Token)

	rec = do(t, h, http.MethodPost, "/api/v1/auth/register", authRequest{Username: "eve", Password: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/auth/login", authRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/auth/login", authRequest{Username: "ghost", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/auth/login", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[tokenResponse](t, rec).Token

	rec = do(t, h, http.MethodPut, "/api/v1/networks/lab/peers", []model.Peer{}, "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/audit", nil, "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decode[[]model.AuditEntry](t, rec)[0].Actor)
}

func TestAccountRoutesDisabledWithoutUsers(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/auth/login", authRequest{Username: "a", Password: "b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketPushAndReports(t *testing.T) {
	s, st := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	registerNode(t, s.Handler(), "n1", 1, "10.10.0.1/32")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/agent?nodeId=n1&network=lab"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() model.DesiredSnapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg model.Message
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, model.MessageDesired, msg.Type)
		var snap model.DesiredSnapshot
		require.NoError(t, msg.Decode(&snap))
		return snap
	}

	assert.Equal(t, int64(1), read().Version)
	assert.Equal(t, []string{"n1"}, s.Hub().Connected("lab"))
	assert.Empty(t, s.Hub().Connected("other"))

	rec := do(t, s.Handler(), http.MethodPut, "/api/v1/networks/lab/peers", []model.Peer{
		{PublicKey: key(9), AllowedIPs: []string{"10.99.0.0/24"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	snap := read()
	assert.Equal(t, int64(2), snap.Version)
	require.Len(t, snap.Peers, 1)
	assert.True(t, snap.Verify())

	msg, err := model.NewMessage(model.MessageReport, "n1", model.ApplyReport{CycleID: "c9", Network: "lab", Version: 2, Status: model.ReportApplied})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
	assert.Eventually(t, func() bool {
		reports, err := st.ListReports("lab", "n1", 10)
		return err == nil && len(reports) == 1 && reports[0].CycleID == "c9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToDisconnectedNode(t *testing.T) {
	hub := NewWSHub(logger.Discard())
	assert.ErrorIs(t, hub.Send("n1", model.Message{Type: model.MessageDesired}), ErrNotConnected)
}

func TestServerTLSConfigErrors(t *testing.T) {
	_, err := ServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", "")
	assert.Error(t, err)
}
