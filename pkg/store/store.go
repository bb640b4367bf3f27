package store

import (
	"context"
	"errors"

	"peer-sync/pkg/model"
)

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a concurrent writer won a compare-and-set race
// more times than the store is willing to retry.
var ErrConflict = errors.New("concurrent update")

// PeerUpdate receives the current operator peers of a network and returns the
// replacement list. Returning an error aborts the update.
type PeerUpdate func(current []model.Peer) ([]model.Peer, error)

// Store defines the persistence layer of the controller.
type Store interface {
	UpsertNode(model.Node) (model.Node, error)
	GetNode(id string) (model.Node, bool, error)
	// ListNodes returns nodes of one network, or of all networks when network is empty.
	ListNodes(network string) ([]model.Node, error)

	ListPeers(network string) ([]model.Peer, error)
	// UpdatePeers atomically rewrites the operator peers of a network and bumps
	// its version. The new version is returned.
	UpdatePeers(network string, fn PeerUpdate) (int64, error)
	NetworkVersion(network string) (int64, error)
	BumpVersion(network string) (int64, error)

	SaveReport(model.ApplyReport) error
	ListReports(network, nodeID string, limit int) ([]model.ApplyReport, error)
	SaveHealth(model.HealthReport) error
	ListHealth(network string) ([]model.HealthReport, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)

	Ping() error
}

// Watcher is implemented by stores that observe writes made by other
// controller instances.
type Watcher interface {
	StartWatch(ctx context.Context, onChange func(network string))
}

// ReplacePeers is a PeerUpdate that discards the current list.
func ReplacePeers(peers []model.Peer) PeerUpdate {
	return func([]model.Peer) ([]model.Peer, error) { return peers, nil }
}

// tail returns the last limit items, or all of them when limit <= 0.
func tail[T any](in []T, limit int) []T {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	return append([]T(nil), in[len(in)-limit:]...)
}
