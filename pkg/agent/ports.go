package agent

import (
	"context"

	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
)

// Interface is the WireGuard interface a Worker reconciles.
type Interface interface {
	State(ctx context.Context) (reconcile.NetworkState, error)
	Apply(ctx context.Context, ops []reconcile.Operation) error
}

// Reporter delivers apply reports and health to the controller.
type Reporter interface {
	Report(ctx context.Context, r model.ApplyReport) error
	Health(ctx context.Context, h model.HealthReport) error
}

// Recorder journals cycles before they are applied and their outcome after.
type Recorder interface {
	Begin(ctx context.Context, c Cycle) error
	Finish(ctx context.Context, id, status, errMsg string) error
}

// Snapshotter persists the interface configuration after a cycle.
type Snapshotter interface {
	Write(state reconcile.NetworkState) (string, error)
}

// DesiredSource fetches desired snapshots. waitVersion < 0 returns at once.
type DesiredSource interface {
	Desired(ctx context.Context, network string, waitVersion int64) (model.DesiredSnapshot, error)
}
