package agent

import (
	"context"
	"log/slog"
	"time"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

// Poller fetches desired snapshots from the controller and submits them.
// In long-poll mode it holds a request open for the next version; otherwise
// it re-fetches every Interval so drift is repaired even without pushes.
// Trigger forces an immediate fetch.
type Poller struct {
	Network  string
	Source   DesiredSource
	Submit   func(model.DesiredSnapshot) bool
	Interval time.Duration
	LongPoll bool
	Log      *slog.Logger

	trigger chan struct{}
}

func NewPoller(network string, src DesiredSource, submit func(model.DesiredSnapshot) bool, interval time.Duration, longPoll bool, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		Network:  network,
		Source:   src,
		Submit:   submit,
		Interval: interval,
		LongPoll: longPoll,
		Log:      log.With("component", "poller", "network", network),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a fetch without waiting for the next tick.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run fetches until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	if p.LongPoll {
		p.longPoll(ctx)
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		p.fetch(ctx, -1)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

func (p *Poller) longPoll(ctx context.Context) {
	last := int64(-1)
	for ctx.Err() == nil {
		snap, ok := p.fetch(ctx, last)
		if ok {
			last = snap.Version
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		case <-p.trigger:
		}
	}
}

func (p *Poller) fetch(ctx context.Context, wait int64) (model.DesiredSnapshot, bool) {
	snap, err := p.Source.Desired(ctx, p.Network, wait)
	if err != nil {
		if ctx.Err() == nil {
			p.Log.Warn("fetch desired failed", logger.Err(err))
		}
		return model.DesiredSnapshot{}, false
	}
	p.Submit(snap)
	return snap, true
}
