package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// DesiredSnapshot is the versioned desired peer set the controller hands to a
// node for one network.
type DesiredSnapshot struct {
	Network   string    `json:"network"`
	NodeID    string    `json:"nodeId,omitempty"`
	Version   int64     `json:"version"`
	Peers     []Peer    `json:"peers"`
	CreatedAt time.Time `json:"createdAt"`
	Signature string    `json:"signature,omitempty"`
}

// Digest is a sha256 over network, node, version and peers. It does not cover
// CreatedAt or Signature.
func (s DesiredSnapshot) Digest() string {
	h := sha256.New()
	h.Write([]byte(s.Network))
	h.Write([]byte{0})
	h.Write([]byte(s.NodeID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(s.Version, 10)))
	h.Write([]byte{0})
	b, _ := json.Marshal(s.Peers)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign sets Signature to the snapshot digest.
func (s *DesiredSnapshot) Sign() { s.Signature = s.Digest() }

// Verify reports whether the signature matches. Unsigned snapshots pass.
func (s DesiredSnapshot) Verify() bool {
	return s.Signature == "" || s.Signature == s.Digest()
}
