// Package api implements the controller HTTP API and the agent websocket hub.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"peer-sync/pkg/auth"
	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
	"peer-sync/pkg/store"
	"peer-sync/pkg/topology"
	"peer-sync/pkg/version"
)

// DefaultNetwork is used when a registration or prepare request names none.
const DefaultNetwork = "default"

const (
	defaultWaitTimeout  = 20 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultListLimit    = 50
)

// Options configure a Server.
type Options struct {
	Store         store.Store
	Token         string
	Issuer        *auth.Issuer   // nil disables operator JWTs
	Users         UserRepository // nil disables operator accounts
	OverlayCIDR   netip.Prefix
	ControllerURL string
	Logger        *slog.Logger
	WaitTimeout   time.Duration
}

// Server serves the controller API.
type Server struct {
	store         store.Store
	hub           *WSHub
	authn         *Authenticator
	users         UserRepository
	issuer        *auth.Issuer
	overlay       netip.Prefix
	controllerURL string
	log           *slog.Logger
	waitTimeout   time.Duration
	pollInterval  time.Duration
	now           func() time.Time
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	s := &Server{
		store:         opts.Store,
		authn:         NewAuthenticator(opts.Token, opts.Issuer),
		users:         opts.Users,
		issuer:        opts.Issuer,
		overlay:       opts.OverlayCIDR,
		controllerURL: opts.ControllerURL,
		log:           log,
		waitTimeout:   opts.WaitTimeout,
		pollInterval:  defaultPollInterval,
		now:           time.Now,
	}
	if s.waitTimeout <= 0 {
		s.waitTimeout = defaultWaitTimeout
	}
	s.hub = NewWSHub(log)
	s.hub.OnConnect = s.pushNode
	s.hub.OnMessage = s.handleAgentMessage
	return s
}

// Hub returns the agent websocket hub.
func (s *Server) Hub() *WSHub { return s.hub }

// Handler returns the routed API wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return logRequests(s.log, mux)
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := s.store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})

	mux.HandleFunc("POST /api/v1/nodes/register", s.agentOnly(s.handleRegister))
	mux.HandleFunc("GET /api/v1/nodes", s.operatorOnly(s.handleListNodes))
	mux.HandleFunc("POST /api/v1/nodes/prepare", s.operatorOnly(s.handlePrepare))

	mux.HandleFunc("GET /api/v1/networks/{network}/peers", s.operatorOnly(s.handleListPeers))
	mux.HandleFunc("PUT /api/v1/networks/{network}/peers", s.operatorOnly(s.handlePutPeers))
	mux.HandleFunc("DELETE /api/v1/networks/{network}/peers/{key}", s.operatorOnly(s.handleDeletePeer))
	mux.HandleFunc("GET /api/v1/networks/{network}/desired", s.agentOnly(s.handleDesired))
	mux.HandleFunc("POST /api/v1/networks/{network}/preview", s.operatorOnly(s.handlePreview))

	mux.HandleFunc("POST /api/v1/reports", s.agentOnly(s.handlePostReport))
	mux.HandleFunc("GET /api/v1/reports", s.operatorOnly(s.handleListReports))
	mux.HandleFunc("POST /api/v1/health", s.agentOnly(s.handlePostHealth))
	mux.HandleFunc("GET /api/v1/health", s.operatorOnly(s.handleListHealth))
	mux.HandleFunc("GET /api/v1/audit", s.operatorOnly(s.handleListAudit))

	mux.HandleFunc("GET /api/v1/ws/agent", s.agentOnly(s.hub.HandleAgentWS))

	if s.users != nil && s.issuer != nil {
		mux.HandleFunc("POST /api/v1/auth/register", s.handleUserRegister)
		mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	}
}

// snapshot builds the signed desired snapshot for a node.
func (s *Server) snapshot(node model.Node) (model.DesiredSnapshot, error) {
	ver, err := s.store.NetworkVersion(node.Network)
	if err != nil {
		return model.DesiredSnapshot{}, err
	}
	nodes, err := s.store.ListNodes(node.Network)
	if err != nil {
		return model.DesiredSnapshot{}, err
	}
	operator, err := s.store.ListPeers(node.Network)
	if err != nil {
		return model.DesiredSnapshot{}, err
	}
	snap := model.DesiredSnapshot{
		Network:   node.Network,
		NodeID:    node.ID,
		Version:   ver,
		Peers:     topology.BuildDesired(node, nodes, operator),
		CreatedAt: s.now().UTC(),
	}
	snap.Sign()
	return snap, nil
}

// audit records an entry; failures are logged, never returned.
func (s *Server) audit(r *http.Request, action, network, target, detail string) {
	entry := model.AuditEntry{
		Actor:     actorFrom(r.Context()),
		Action:    action,
		Network:   network,
		Target:    target,
		Detail:    detail,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.AppendAudit(entry); err != nil {
		s.log.Warn("append audit failed", "action", action, logger.Err(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", logger.Err(err))
	}
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case reconcile.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case reconcile.IsConflict(err), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusUnprocessableEntity || reconcile.IsConflict(err) {
		for _, p := range reconcile.Problems(err) {
			resp.Problems = append(resp.Problems, p.Error())
		}
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(v)
}

func queryLimit(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return defaultListLimit
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
