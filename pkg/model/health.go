package model

import "time"

// PeerHealth is the device-level view of one peer.
type PeerHealth struct {
	LastHandshake time.Time `json:"lastHandshake,omitempty"`
	ReceiveBytes  int64     `json:"rxBytes"`
	TransmitBytes int64     `json:"txBytes"`
}

// HealthReport captures periodic peer health for a node's interface.
type HealthReport struct {
	NodeID    string                `json:"nodeId"`
	Network   string                `json:"network"`
	Status    string                `json:"status"` // up/degraded/down
	Peers     map[string]PeerHealth `json:"peers,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}
