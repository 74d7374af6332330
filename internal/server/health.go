// Package server provides HTTP server utilities: health endpoints and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck represents a single health check.
type HealthCheck struct {
	Name    string            `json:"name"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse is the response from health endpoints.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// HealthChecker is a function that performs a health check.
type HealthChecker func(ctx context.Context) HealthCheck

// HealthServer serves liveness, readiness and full health checks.
type HealthServer struct {
	mu           sync.RWMutex
	checks       map[string]HealthChecker
	version      string
	ready        bool
	checkTimeout time.Duration
}

// HealthConfig configures the health server.
type HealthConfig struct {
	Version string
	// CheckTimeout bounds one /healthz evaluation (default: 5s)
	CheckTimeout time.Duration
}

// NewHealthServer creates a new health server. It starts not ready.
func NewHealthServer(config *HealthConfig) *HealthServer {
	s := &HealthServer{
		checks:       make(map[string]HealthChecker),
		checkTimeout: 5 * time.Second,
	}
	if config != nil {
		s.version = config.Version
		if config.CheckTimeout > 0 {
			s.checkTimeout = config.CheckTimeout
		}
	}
	return s
}

// RegisterCheck adds a health check.
func (s *HealthServer) RegisterCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = checker
}

// SetReady marks the server as ready to accept traffic.
func (s *HealthServer) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// Register mounts the health endpoints on mux.
func (s *HealthServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /livez", s.handleLive)
}

// Handler returns an http.Handler serving only the health endpoints.
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Check runs every registered check in name order and folds them into one response.
func (s *HealthServer) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	checks := make(map[string]HealthChecker, len(s.checks))
	for k, v := range s.checks {
		names = append(names, k)
		checks[k] = v
	}
	version := s.version
	s.mu.RUnlock()
	sort.Strings(names)

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Checks:    make([]HealthCheck, 0, len(names)),
	}

	for _, name := range names {
		check := checks[name](ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if check.Status == HealthStatusDegraded && response.Status == HealthStatusHealthy {
			response.Status = HealthStatusDegraded
		}
	}
	return response
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := s.Check(r.Context())

	statusCode := http.StatusOK
	if response.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (s *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	writeStatus(w, ready)
}

// handleLive answers as long as the process can serve HTTP.
func (s *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, true)
}

func writeStatus(w http.ResponseWriter, ok bool) {
	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
	}
	if !ok {
		response.Status = HealthStatusUnhealthy
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// CosmosHealthChecker reports the account unhealthy when checkFn fails. checkFn usually
// reads the listings database.
func CosmosHealthChecker(database string, checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"database": database}
		if err := checkFn(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: "Cosmos DB request failed: " + err.Error(),
				Details: details,
			}
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Cosmos DB reachable",
			Details: details,
		}
	}
}

// EmbeddingHealthChecker reports the embedding deployment. Without checkFn it only states
// the configuration; a failing checkFn degrades rather than fails the service.
func EmbeddingHealthChecker(deployment string, checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"deployment": deployment}
		if checkFn == nil {
			return HealthCheck{
				Status:  HealthStatusHealthy,
				Message: "Embedding deployment configured",
				Details: details,
			}
		}
		if err := checkFn(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: "Embedding deployment degraded: " + err.Error(),
				Details: details,
			}
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Embedding deployment OK",
			Details: details,
		}
	}
}

// ProvisioningHealthChecker is degraded until the containers have been provisioned once.
func ProvisioningHealthChecker(provisioned func() bool) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		if !provisioned() {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: "Containers not provisioned yet",
			}
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Containers provisioned",
		}
	}
}
