package agent

import (
	"context"
	"log/slog"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

// FallbackReporter pushes reports over the websocket when it is connected
// and falls back to HTTP otherwise or when the push fails.
type FallbackReporter struct {
	NodeID string
	WS     *WSClient // optional
	HTTP   Reporter
	Log    *slog.Logger
}

func (f *FallbackReporter) Report(ctx context.Context, r model.ApplyReport) error {
	if f.push(model.MessageReport, r) {
		return nil
	}
	return f.HTTP.Report(ctx, r)
}

func (f *FallbackReporter) Health(ctx context.Context, h model.HealthReport) error {
	if f.push(model.MessageHealth, h) {
		return nil
	}
	return f.HTTP.Health(ctx, h)
}

func (f *FallbackReporter) push(typ string, payload any) bool {
	if f.WS == nil || !f.WS.Connected() {
		return false
	}
	msg, err := model.NewMessage(typ, f.NodeID, payload)
	if err != nil {
		return false
	}
	if err := f.WS.Send(msg); err != nil {
		if f.Log != nil {
			f.Log.Debug("ws push failed, using http", "type", typ, logger.Err(err))
		}
		return false
	}
	return true
}
