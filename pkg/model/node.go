package model

// Node captures a registered agent host and the overlay properties it announces.
type Node struct {
	ID             string   `json:"id"`
	Network        string   `json:"network"`
	PublicKey      string   `json:"publicKey"`
	Endpoints      []string `json:"endpoints"`
	CIDRs          []string `json:"cidrs"`
	OverlayIP      string   `json:"overlayIp,omitempty"`
	ListenPort     int      `json:"listenPort,omitempty"`
	ConfigVersion  string   `json:"configVersion"`
	PrivateKey     string   `json:"-"` // stored only for bootstrap
	ProvisionToken string   `json:"-"` // one-time token
}
