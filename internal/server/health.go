package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"file-relay/internal/keys"
	"file-relay/internal/store"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// KeyDetails reports registry occupancy.
type KeyDetails struct {
	Active   int    `json:"active"`
	Ceiling  int    `json:"ceiling"`
	Capacity string `json:"capacity"`
}

// HandleHealth provides a detailed health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(health)
}

// HandleReady reports whether the metadata store answers a ping.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, `{"status":"not_ready","message":"metadata store unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now(),
		Version:    s.cfg.Version,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Components: make(map[string]ComponentHealth),
	}

	health.Components["store"] = s.checkStoreHealth(ctx)
	health.Components["storage"] = s.checkStorageHealth()
	health.Components["keys"] = s.checkKeyHealth()

	health.Status = determineOverallHealth(health.Components)
	return health
}

// checkStoreHealth pings the metadata store and reports the breaker state.
func (s *Server) checkStoreHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details any
	if s.breaker != nil {
		details = s.breaker.Stats()
	}

	if err := s.store.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "store ping failed: " + err.Error(),
			Details: details,
		}
	}

	latency := time.Since(start).Milliseconds()
	status := ComponentStatusUp
	message := "store healthy"
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "store latency high"
	}
	if s.breaker != nil && s.breaker.State() != store.StateClosed {
		status = ComponentStatusDegraded
		message = "circuit breaker " + s.breaker.State().String()
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details:   details,
	}
}

// checkStorageHealth checks that the data directory exists.
func (s *Server) checkStorageHealth() ComponentHealth {
	info, err := os.Stat(s.cfg.DataDir)
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "data dir unavailable: " + err.Error()}
	}
	if !info.IsDir() {
		return ComponentHealth{Status: ComponentStatusDown, Message: "data dir is not a directory"}
	}
	return ComponentHealth{Status: ComponentStatusUp, Message: "storage healthy"}
}

// checkKeyHealth reports registry occupancy. Above the ceiling is degraded,
// never down: capacity is advisory.
func (s *Server) checkKeyHealth() ComponentHealth {
	capacity := s.monitor.Status()
	h := ComponentHealth{
		Status:  ComponentStatusUp,
		Message: "keys available",
		Details: KeyDetails{Active: s.registry.Len(), Ceiling: s.monitor.Ceiling, Capacity: capacity},
	}
	if capacity == keys.StatusFull {
		h.Status = ComponentStatusDegraded
		h.Message = "active keys above capacity ceiling"
	}
	return h
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
