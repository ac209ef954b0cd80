// Package health aggregates component probes for the worker's liveness
// endpoint. A worker with a dead database connection is not healthy: its
// lease will expire and another worker will redo the work.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
)

// Status is the overall or per-component health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Response is the healthz document.
type Response struct {
	Status    Status                 `json:"status"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checkers and renders the aggregate.
type Manager struct {
	workerID string
	version  string
	checkers []Checker
}

func NewManager(workerID, version string) *Manager {
	return &Manager{workerID: workerID, version: version}
}

// Register adds a checker. Not safe to call after the handler is serving.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Evaluate runs all checkers; the aggregate is unhealthy if any check is.
func (m *Manager) Evaluate(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		WorkerID:  m.workerID,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	}
	if len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult, len(m.checkers))
	}
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		if result.Status != StatusHealthy {
			resp.Status = StatusUnhealthy
		}
	}
	return resp
}

// Handler serves the healthz document; 503 when unhealthy so container
// orchestrators restart the worker.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := m.Evaluate(ctx)
		w.Header().Set("Content-Type", "application/json")
		if resp.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// DatabaseChecker probes the coordination database.
type DatabaseChecker struct {
	DB *sqlx.DB
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if err := c.DB.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
