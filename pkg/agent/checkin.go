package agent

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"peer-sync/pkg/logger"
)

// CheckIn periodically re-detects the node's public endpoints and announces
// them to the controller when they change, so peers follow an address change
// without an agent restart.
type CheckIn struct {
	Detect   func(ctx context.Context) []string
	Announce func(ctx context.Context, endpoints []string) error
	Interval time.Duration
	Log      *slog.Logger

	mu   sync.Mutex
	last []string
}

// NewCheckIn starts from the endpoints the node registered with.
func NewCheckIn(initial []string, detect func(context.Context) []string, announce func(context.Context, []string) error, interval time.Duration, log *slog.Logger) *CheckIn {
	if log == nil {
		log = slog.Default()
	}
	return &CheckIn{
		Detect:   detect,
		Announce: announce,
		Interval: interval,
		Log:      log.With("component", "checkin"),
		last:     normalizeEndpoints(initial),
	}
}

// Run checks every Interval until ctx is done. A zero Interval disables it.
func (c *CheckIn) Run(ctx context.Context) {
	if c.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			c.Log.Warn("announce endpoints failed", logger.Err(err))
		}
	}
}

// Check detects once and announces when the endpoint set changed. An empty
// detection keeps the last known endpoints. A failed announce is retried on
// the next check.
func (c *CheckIn) Check(ctx context.Context) (bool, error) {
	found := c.Detect(ctx)
	if len(found) == 0 {
		return false, nil
	}
	next := normalizeEndpoints(found)
	c.mu.Lock()
	same := slices.Equal(next, c.last)
	c.mu.Unlock()
	if same {
		return false, nil
	}
	if err := c.Announce(ctx, found); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.last = next
	c.mu.Unlock()
	c.Log.Info("endpoints changed", "endpoints", found)
	return true, nil
}

// Endpoints returns the last announced endpoints in sorted order.
func (c *CheckIn) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.last)
}

func normalizeEndpoints(eps []string) []string {
	out := slices.Clone(eps)
	slices.Sort(out)
	return slices.Compact(out)
}
