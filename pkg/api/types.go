package api

import (
	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
)

// NodeRegistrationRequest is sent by agents during bootstrap.
type NodeRegistrationRequest struct {
	ID             string   `json:"id"`
	Network        string   `json:"network"`
	PublicKey      string   `json:"publicKey"`
	Endpoints      []string `json:"endpoints"`
	CIDRs          []string `json:"cidrs"`
	Force          bool     `json:"force,omitempty"`          // force refresh even if unchanged
	ListenPort     int      `json:"listenPort,omitempty"`     // WireGuard listen port
	OverlayIP      string   `json:"overlayIp,omitempty"`      // WireGuard interface address (/32 recommended)
	ProvisionToken string   `json:"provisionToken,omitempty"` // one-time token from controller
}

// NodeConfigResponse carries the interface settings and first desired
// snapshot for a registered node.
type NodeConfigResponse struct {
	ID            string                `json:"id"`
	Network       string                `json:"network"`
	ConfigVersion string                `json:"configVersion"`
	OverlayIP     string                `json:"overlayIp,omitempty"`
	ListenPort    int                   `json:"listenPort,omitempty"`
	PublicKey     string                `json:"publicKey,omitempty"`
	PrivateKey    string                `json:"privateKey,omitempty"`
	Desired       model.DesiredSnapshot `json:"desired"`
	Message       string                `json:"message,omitempty"`
}

// PrepareRequest asks the controller to provision keys and an address.
type PrepareRequest struct {
	ID      string `json:"id"`
	Network string `json:"network"`
}

type PrepareResponse struct {
	ID             string `json:"id"`
	Network        string `json:"network"`
	PublicKey      string `json:"publicKey"`
	PrivateKey     string `json:"privateKey"`
	OverlayIP      string `json:"overlayIp"`
	ListenPort     int    `json:"listenPort"`
	ProvisionToken string `json:"provisionToken"`
	Command        string `json:"command"`
}

// PreviewRequest runs the reconciler without touching any interface. When
// Desired is nil the controller's desired set for NodeID is used.
type PreviewRequest struct {
	NodeID  string       `json:"nodeId,omitempty"`
	Current []model.Peer `json:"current"`
	Desired []model.Peer `json:"desired,omitempty"`
}

type PreviewResponse struct {
	Version    int64                   `json:"version"`
	Operations []model.OperationRecord `json:"operations"`
	Summary    reconcile.Counts        `json:"summary"`
	Result     []model.Peer            `json:"result"`
}

// PeersResponse is returned by peer list edits.
type PeersResponse struct {
	Network string       `json:"network"`
	Version int64        `json:"version"`
	Peers   []model.Peer `json:"peers"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}
