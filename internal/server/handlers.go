package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
	})
}

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.log.Pairs()
	if err != nil {
		s.logger.Error("failed to read captures", slog.String("error", err.Error()))
		http.Error(w, "failed to read captures", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pairs)
}

func (s *Server) handleClearCaptures(w http.ResponseWriter, r *http.Request) {
	if err := s.log.Clear(); err != nil {
		s.logger.Error("failed to clear captures", slog.String("error", err.Error()))
		http.Error(w, "failed to clear captures", http.StatusInternalServerError)
		return
	}

	s.logger.Info("capture log cleared")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}
