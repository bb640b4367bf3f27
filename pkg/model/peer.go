package model

// Peer is the wire shape of a WireGuard peer as exchanged between the
// controller, agents and desired-state files.
type Peer struct {
	Name              string   `json:"name,omitempty" yaml:"name,omitempty"`
	PublicKey         string   `json:"publicKey" yaml:"publicKey"`
	Endpoint          string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AllowedIPs        []string `json:"allowedIPs" yaml:"allowedIPs"`
	KeepaliveSeconds  *int     `json:"keepaliveSeconds,omitempty" yaml:"keepaliveSeconds,omitempty"` // nil = unspecified, 0 = disabled
	Remove            bool     `json:"remove,omitempty" yaml:"remove,omitempty"`
	UpdateOnly        bool     `json:"updateOnly,omitempty" yaml:"updateOnly,omitempty"`
	ReplaceAllowedIPs bool     `json:"replaceAllowedIPs,omitempty" yaml:"replaceAllowedIPs,omitempty"`
}
