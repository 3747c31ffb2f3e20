package server

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const defaultExchangeLimit = 50

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"peer_connected": s.peers.HasPeer(),
		"active_account": s.rotator.ActiveIndex(),
		"failure_count":  s.rotator.FailureCount(),
	})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if err := s.rotator.Rotate(r.Context()); err != nil {
		AddError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_account": s.rotator.ActiveIndex(),
	})
}

func (s *Server) handleStreamingMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Fake bool `json:"fake"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
		s.relayer.SetFakeStreaming(req.Fake)
		AddLogField(r.Context(), "fake_streaming", strconv.FormatBool(req.Fake))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"fake": s.relayer.FakeStreaming()})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "exchange recording disabled"})
		return
	}

	limit := defaultExchangeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := s.store.ListExchanges(r.Context(), limit)
	if err != nil {
		AddError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}
