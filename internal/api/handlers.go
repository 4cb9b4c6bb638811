// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"grimm.is/ackwatch/internal/health"
	"grimm.is/ackwatch/internal/sentinel"
	"grimm.is/ackwatch/internal/traffic"
)

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleDefenseMetrics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Defense().Metrics())
}

func (s *Server) handleGetDefenseConfig(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Defense().Config())
}

// handleUpdateDefenseConfig merges the posted fields over the active
// thresholds. Absent fields keep their current values.
func (s *Server) handleUpdateDefenseConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.svc.Defense().Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid defense config: "+err.Error())
		return
	}
	if err := s.svc.Defense().UpdateConfig(cfg); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConnectionMetrics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Connections().Metrics())
}

func (s *Server) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	history := s.svc.Connections().History(ip)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit < len(history) {
			history = history[:limit]
		}
	}
	WriteJSON(w, http.StatusOK, history)
}

func (s *Server) handleTrafficSummary(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Traffic().Summary())
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Defense().Metrics().QuarantinedSources)
}

func (s *Server) handleQuarantineRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		WriteError(w, http.StatusBadRequest, "body must contain an ip")
		return
	}
	if !s.svc.Defense().ForceRelease(req.IP) {
		WriteError(w, http.StatusNotFound, "ip is not quarantined")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"released": req.IP})
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.svc.Blocklist().Entries())
}

func (s *Server) handleBlocklistRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		WriteError(w, http.StatusBadRequest, "body must contain an ip")
		return
	}
	if !s.svc.Blocklist().Remove(req.IP) {
		WriteError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"removed": req.IP})
}

// observeRequest is the ingest form of an observation. Flags are accepted
// by name so callers do not need the bitmask encoding.
type observeRequest struct {
	Timestamp       int64    `json:"timestamp"`
	SourceIP        string   `json:"sourceIP"`
	DestinationIP   string   `json:"destinationIP"`
	SourcePort      uint16   `json:"sourcePort"`
	DestinationPort uint16   `json:"destinationPort"`
	SequenceNumber  uint32   `json:"sequenceNumber"`
	AckNumber       uint32   `json:"ackNumber"`
	WindowSize      uint32   `json:"windowSize"`
	Flags           []string `json:"flags"`
	DataLength      uint32   `json:"dataLength"`
	RequestType     string   `json:"requestType,omitempty"`
	Resource        string   `json:"resource,omitempty"`
	UserAgent       string   `json:"userAgent,omitempty"`
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid observation: "+err.Error())
		return
	}
	if req.SourceIP == "" {
		WriteError(w, http.StatusBadRequest, "sourceIP is required")
		return
	}

	dec := s.svc.Observe(sentinel.Observation{
		Packet: traffic.Pattern{
			Timestamp:       req.Timestamp,
			SourceIP:        req.SourceIP,
			DestinationIP:   req.DestinationIP,
			SourcePort:      req.SourcePort,
			DestinationPort: req.DestinationPort,
			SequenceNumber:  req.SequenceNumber,
			AckNumber:       req.AckNumber,
			WindowSize:      req.WindowSize,
			Flags:           traffic.ParseFlags(req.Flags),
			DataLength:      req.DataLength,
		},
		RequestType: req.RequestType,
		Resource:    req.Resource,
		UserAgent:   req.UserAgent,
	})
	WriteJSON(w, http.StatusOK, dec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
