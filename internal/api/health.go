package api

import (
	"net/http"
	"time"

	"github.com/moltbunker/fasset/internal/util"
)

// startTime records when the server package was initialized for uptime calculation.
var startTime = time.Now()

// Version is reported by the health endpoints; set by the daemon at build time.
var Version = "dev"

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
	Agents        int    `json:"agents"`
	StreamClients int    `json:"stream_clients"`
	Panics        uint64 `json:"recovered_panics"`
	Reason        string `json:"reason,omitempty"`
}

// handleHealthCheck handles GET /health for load balancer probes.
// It fails when the server is stopped or the store cannot be read.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime).Round(time.Second).String()
	if s.metrics != nil {
		uptime = s.metrics.GetMetrics().Uptime
	}

	if !s.Running() {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Uptime:  uptime,
			Version: Version,
			Reason:  "server not running",
		})
		return
	}

	agents, err := s.engine.Agents(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Uptime:  uptime,
			Version: Version,
			Reason:  "store unavailable",
		})
		return
	}

	resp := HealthResponse{
		Status:  "healthy",
		Uptime:  uptime,
		Version: Version,
		Agents:  len(agents),
		Panics:  util.RecoveredPanics(),
	}
	if s.hub != nil {
		resp.StreamClients = s.hub.ClientCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealthz handles GET /v1/healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleReadyz handles GET /v1/readyz
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.Running() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"reason": "server not running",
		})
		return
	}
	if _, err := s.engine.State(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"reason": "store unavailable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"timestamp": time.Now(),
	})
}
