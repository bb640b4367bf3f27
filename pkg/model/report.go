package model

import "time"

// Apply report statuses.
const (
	ReportApplied  = "applied"
	ReportNoop     = "noop"
	ReportPlanned  = "planned"  // dry run, operations computed but not applied
	ReportRejected = "rejected" // validation or conflict, nothing applied
	ReportFailed   = "failed"   // driver error while applying
)

// OperationRecord is a flattened reconcile operation for reports and journals.
type OperationRecord struct {
	Kind      string `json:"kind"`
	PublicKey string `json:"publicKey"`
	Detail    string `json:"detail,omitempty"`
}

// ApplyReport is posted by an agent after each reconciliation cycle.
type ApplyReport struct {
	CycleID    string            `json:"cycleId"`
	NodeID     string            `json:"nodeId"`
	Network    string            `json:"network"`
	Version    int64             `json:"version"`
	Status     string            `json:"status"`
	Operations []OperationRecord `json:"operations,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
