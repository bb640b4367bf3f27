package model

import "encoding/json"

// Websocket message types exchanged between agents and the controller.
const (
	MessageDesired = "desired" // controller -> agent, payload DesiredSnapshot
	MessageReport  = "report"  // agent -> controller, payload ApplyReport
	MessageHealth  = "health"  // agent -> controller, payload HealthReport
)

// Message is the websocket envelope for agent<->controller traffic.
type Message struct {
	Type    string          `json:"type"`
	NodeID  string          `json:"nodeId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(typ, nodeID string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, NodeID: nodeID, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}
