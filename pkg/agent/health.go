package agent

import (
	"context"
	"log/slog"
	"time"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

// StaleHandshake is how old a handshake may be before a peer counts as
// unhealthy. WireGuard rekeys every two minutes on an active session.
const StaleHandshake = 3 * time.Minute

// HealthSource reads per-peer counters from the interface.
type HealthSource interface {
	Health(ctx context.Context) (map[string]model.PeerHealth, error)
}

// HealthReporter periodically reports per-peer handshake and transfer
// counters.
type HealthReporter struct {
	NodeID   string
	Network  string
	Source   HealthSource
	Sink     Reporter
	Interval time.Duration
	Log      *slog.Logger

	now func() time.Time
}

// Run reports immediately and then every Interval until ctx is done. A
// non-positive Interval disables reporting.
func (h *HealthReporter) Run(ctx context.Context) {
	if h.Interval <= 0 {
		return
	}
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		report := h.Collect(ctx)
		if err := h.Sink.Health(ctx, report); err != nil && ctx.Err() == nil {
			log.Warn("health report failed", logger.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect builds one report. Status is "down" when the interface cannot be
// read, "degraded" when any peer's last handshake is missing or stale and
// "up" otherwise.
func (h *HealthReporter) Collect(ctx context.Context) model.HealthReport {
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	report := model.HealthReport{NodeID: h.NodeID, Network: h.Network, Timestamp: now().UTC()}
	peers, err := h.Source.Health(ctx)
	if err != nil {
		report.Status = "down"
		return report
	}
	report.Peers = peers
	report.Status = "up"
	for _, p := range peers {
		if p.LastHandshake.IsZero() || now().Sub(p.LastHandshake) > StaleHandshake {
			report.Status = "degraded"
			break
		}
	}
	return report
}
