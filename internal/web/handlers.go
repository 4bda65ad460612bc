package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth is a liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleStatus reports per-service status plus process uptime.
func (s *Server) handleStatus(c *gin.Context) {
	services := make(map[string]gin.H)
	if s.statuses != nil {
		for name, status := range s.statuses.GetAllStatuses() {
			entry := gin.H{
				"status": string(status.GetStatus()),
				"uptime": status.GetUptime().String(),
			}
			if err := status.GetError(); err != nil {
				entry["error"] = err.Error()
			}
			services[name] = entry
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"version":  s.version,
		"uptime":   time.Since(s.startTime).String(),
		"services": services,
	})
}

// handleMetrics serves the pipeline snapshot.
func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not wired"})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Metrics())
}
