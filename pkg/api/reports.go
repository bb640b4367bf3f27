package api

import (
	"errors"
	"net/http"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

func (s *Server) handlePostReport(w http.ResponseWriter, r *http.Request) {
	var report model.ApplyReport
	if err := decodeJSON(w, r, &report); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.saveReport(report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) saveReport(report model.ApplyReport) error {
	if report.NodeID == "" || report.Network == "" {
		return errors.New("nodeId and network are required")
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = s.now().UTC()
	}
	if err := s.store.SaveReport(report); err != nil {
		s.log.Error("save report failed", "node", report.NodeID, logger.Err(err))
		return errors.New("failed to save report")
	}
	log := s.log.With("node", report.NodeID, "network", report.Network, "version", report.Version, "cycle", report.CycleID)
	switch report.Status {
	case model.ReportRejected, model.ReportFailed:
		log.Warn("agent cycle did not apply", "status", report.Status, "error", report.Error)
	default:
		log.Info("agent cycle", "status", report.Status, "operations", len(report.Operations))
	}
	return nil
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reports, err := s.store.ListReports(q.Get("network"), q.Get("nodeId"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handlePostHealth(w http.ResponseWriter, r *http.Request) {
	var report model.HealthReport
	if err := decodeJSON(w, r, &report); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.saveHealth(report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) saveHealth(report model.HealthReport) error {
	if report.NodeID == "" {
		return errors.New("nodeId is required")
	}
	report.Timestamp = s.now().UTC()
	if err := s.store.SaveHealth(report); err != nil {
		s.log.Error("save health failed", "node", report.NodeID, logger.Err(err))
		return errors.New("failed to save health")
	}
	return nil
}

func (s *Server) handleListHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.ListHealth(r.URL.Query().Get("network"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAgentMessage persists reports and health pushed over the websocket.
func (s *Server) handleAgentMessage(nodeID string, msg model.Message) {
	var err error
	switch msg.Type {
	case model.MessageReport:
		var report model.ApplyReport
		if err = msg.Decode(&report); err == nil {
			report.NodeID = nodeID
			err = s.saveReport(report)
		}
	case model.MessageHealth:
		var report model.HealthReport
		if err = msg.Decode(&report); err == nil {
			report.NodeID = nodeID
			err = s.saveHealth(report)
		}
	default:
		s.log.Debug("ws message ignored", "node", nodeID, "type", msg.Type)
	}
	if err != nil {
		s.log.Warn("ws message rejected", "node", nodeID, "type", msg.Type, logger.Err(err))
	}
}
