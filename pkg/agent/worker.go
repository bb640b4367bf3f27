package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
)

// WorkerConfig wires a Worker. Reporter, Journal and Snapshot are optional.
type WorkerConfig struct {
	NodeID   string
	Network  string
	Device   Interface
	Reporter Reporter
	Journal  Recorder
	Snapshot Snapshotter
	// DryRun computes and journals operations without applying them.
	DryRun bool
	Logger *slog.Logger
}

// Worker serializes reconciliation cycles for one network. Snapshots
// submitted while a cycle runs are coalesced to the newest one.
type Worker struct {
	cfg WorkerConfig
	log *slog.Logger

	mu      sync.Mutex
	pending *model.DesiredSnapshot
	applied int64
	last    *model.ApplyReport

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	newID func() string
	now   func() time.Time
}

func NewWorker(cfg WorkerConfig) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		log:     log.With("component", "worker", "network", cfg.Network),
		applied: -1,
		wake:    make(chan struct{}, 1),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Network returns the network the worker reconciles.
func (w *Worker) Network() string { return w.cfg.Network }

// Submit queues a snapshot for the next cycle. Snapshots for another
// network, with a bad signature, or older than the last applied or
// already-pending version are dropped and Submit returns false.
func (w *Worker) Submit(snap model.DesiredSnapshot) bool {
	if snap.Network != w.cfg.Network {
		w.log.Warn("snapshot for another network dropped", "got", snap.Network)
		return false
	}
	if !snap.Verify() {
		w.log.Warn("snapshot signature mismatch", "version", snap.Version)
		return false
	}
	w.mu.Lock()
	if snap.Version < w.applied || (w.pending != nil && snap.Version < w.pending.Version) {
		w.mu.Unlock()
		w.log.Debug("stale snapshot dropped", "version", snap.Version)
		return false
	}
	w.pending = &snap
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
	return nil
}

// Stop cancels the worker and waits for the running cycle to finish.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return nil
}

// LastReport returns the report of the most recent cycle.
func (w *Worker) LastReport() (model.ApplyReport, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return model.ApplyReport{}, false
	}
	return *w.last, true
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		w.mu.Lock()
		snap := w.pending
		w.pending = nil
		w.mu.Unlock()
		if snap != nil {
			w.Cycle(ctx, *snap)
		}
	}
}

// Cycle runs one reconciliation: read state, reconcile, journal, apply,
// write the snapshot and report. Reconcile errors are reported and never
// retried; the next submitted snapshot starts a fresh cycle.
func (w *Worker) Cycle(ctx context.Context, snap model.DesiredSnapshot) model.ApplyReport {
	report := model.ApplyReport{
		CycleID:   w.newID(),
		NodeID:    w.cfg.NodeID,
		Network:   w.cfg.Network,
		Version:   snap.Version,
		Timestamp: w.now().UTC(),
	}
	log := w.log.With("cycle", report.CycleID, "version", snap.Version)

	current, ops, err := w.plan(ctx, snap)
	report.Operations = reconcile.Records(ops)
	switch {
	case err != nil && (reconcile.IsValidation(err) || reconcile.IsConflict(err)):
		report.Status, report.Error = model.ReportRejected, err.Error()
		log.Warn("desired state rejected", logger.Err(err))
	case err != nil:
		report.Status, report.Error = model.ReportFailed, err.Error()
		log.Error("read interface failed", logger.Err(err))
	default:
		report.Status, report.Error = w.apply(ctx, log, report, ops)
	}

	if report.Status == model.ReportApplied || report.Status == model.ReportNoop {
		w.mu.Lock()
		w.applied = snap.Version
		w.mu.Unlock()
		w.writeSnapshot(log, reconcile.Simulate(current, ops))
	}
	w.report(ctx, log, report)

	w.mu.Lock()
	w.last = &report
	w.mu.Unlock()
	return report
}

func (w *Worker) plan(ctx context.Context, snap model.DesiredSnapshot) (reconcile.NetworkState, []reconcile.Operation, error) {
	desired, err := reconcile.ParseDesired(snap.Peers)
	if err != nil {
		return nil, nil, err
	}
	current, err := w.cfg.Device.State(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read interface: %w", err)
	}
	ops, err := reconcile.Reconcile(current, desired)
	if err != nil {
		return nil, nil, err
	}
	return current, ops, nil
}

func (w *Worker) apply(ctx context.Context, log *slog.Logger, report model.ApplyReport, ops []reconcile.Operation) (string, string) {
	if len(ops) == 0 {
		log.Debug("interface already converged")
		return model.ReportNoop, ""
	}
	counts := reconcile.Summary(ops)
	if w.cfg.Journal != nil {
		err := w.cfg.Journal.Begin(ctx, Cycle{
			ID:         report.CycleID,
			Network:    report.Network,
			Version:    report.Version,
			Status:     statusPending,
			Operations: report.Operations,
			StartedAt:  report.Timestamp,
		})
		if err != nil {
			log.Warn("journal begin failed", logger.Err(err))
		}
	}

	status, msg := model.ReportApplied, ""
	if w.cfg.DryRun {
		status = model.ReportPlanned
		for _, op := range ops {
			log.Info("planned", "op", op.String())
		}
	} else if err := w.cfg.Device.Apply(ctx, ops); err != nil {
		status, msg = model.ReportFailed, err.Error()
		log.Error("apply failed", logger.Err(err))
	} else {
		log.Info("applied", "removed", counts.Removed, "updated", counts.Updated, "added", counts.Added)
	}

	if w.cfg.Journal != nil {
		if err := w.cfg.Journal.Finish(ctx, report.CycleID, status, msg); err != nil {
			log.Warn("journal finish failed", logger.Err(err))
		}
	}
	return status, msg
}

func (w *Worker) writeSnapshot(log *slog.Logger, state reconcile.NetworkState) {
	if w.cfg.Snapshot == nil {
		return
	}
	path, err := w.cfg.Snapshot.Write(state)
	if err != nil {
		log.Warn("write config snapshot failed", logger.Err(err))
		return
	}
	log.Debug("config snapshot written", "path", path)
}

func (w *Worker) report(ctx context.Context, log *slog.Logger, report model.ApplyReport) {
	if w.cfg.Reporter == nil {
		return
	}
	if err := w.cfg.Reporter.Report(ctx, report); err != nil {
		log.Warn("report failed", logger.Err(err))
	}
}
