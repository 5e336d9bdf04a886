package health

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// Endpoint paths.
const (
	PathHealth = "/health"
	PathReady  = "/ready"
	PathLive   = "/live"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status         `json:"status"`
	Version   string         `json:"version,omitempty"`
	Uptime    string         `json:"uptime,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check represents an individual health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func() Check

// CounterFunc reports a gauge-like count shown on the health endpoint.
type CounterFunc func() int

// Checker provides health and readiness checking functionality.
type Checker struct {
	version   string
	startTime time.Time
	checks    map[string]CheckFunc
	counters  map[string]CounterFunc
	draining  atomic.Bool
	mu        sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
		counters:  make(map[string]CounterFunc),
	}
}

// RegisterCheck registers a readiness check.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RegisterCounter registers a count reported by the health endpoint.
func (c *Checker) RegisterCounter(name string, counter CounterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = counter
}

// SetDraining marks the process as shutting down. A draining process is
// live but not ready.
func (c *Checker) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// Health returns the health status.
func (c *Checker) Health() HealthResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	if len(c.counters) > 0 {
		response.Counts = make(map[string]int, len(c.counters))
		for name, counter := range c.counters {
			response.Counts[name] = counter()
		}
	}
	return response
}

// Readiness returns the readiness status. Checks run in name order.
func (c *Checker) Readiness() ReadinessResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(c.checks)+1),
		Timestamp: time.Now(),
	}

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := c.checks[name]()
		response.Checks[name] = check
		response.Status = worst(response.Status, check.Status)
	}

	if c.draining.Load() {
		response.Checks["draining"] = Check{Status: StatusUnhealthy, Message: "shutting down"}
		response.Status = StatusUnhealthy
	}

	return response
}

func worst(current, next Status) Status {
	switch {
	case current == StatusUnhealthy || next == StatusUnhealthy:
		return StatusUnhealthy
	case current == StatusDegraded || next == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Register mounts the health, readiness and liveness endpoints.
func (c *Checker) Register(r gin.IRoutes) {
	r.GET(PathHealth, c.handleHealth)
	r.GET(PathReady, c.handleReady)
	r.GET(PathLive, c.handleLive)
}

func (c *Checker) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.Health())
}

func (c *Checker) handleReady(ctx *gin.Context) {
	response := c.Readiness()
	status := http.StatusOK
	if response.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, response)
}

func (c *Checker) handleLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}
