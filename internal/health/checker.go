// Package health aggregates component health checks behind HTTP probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is a component that can report its own health. The pool, the
// broker client and the engine all implement it.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus is the outcome of one component check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Response is the aggregate health report.
type Response struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
}

// Aggregator runs the registered checks and serves the probe endpoints.
type Aggregator struct {
	config  Config
	started time.Time
	mu      sync.RWMutex
	checks  map[string]Checker
}

// NewAggregator creates a health aggregator.
func NewAggregator(config Config) *Aggregator {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &Aggregator{
		config:  config,
		started: time.Now(),
		checks:  make(map[string]Checker),
	}
}

// Register adds a named component check.
func (a *Aggregator) Register(name string, checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks[name] = checker
}

// Check runs every registered check concurrently and aggregates the result.
// Any unhealthy component makes the whole service unhealthy.
func (a *Aggregator) Check(ctx context.Context) *Response {
	a.mu.RLock()
	checks := make(map[string]Checker, len(a.checks))
	for name, checker := range a.checks {
		checks[name] = checker
	}
	a.mu.RUnlock()

	response := &Response{
		Status:    "healthy",
		Service:   a.config.ServiceName,
		Version:   a.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Checks:    make(map[string]*CheckStatus, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, a.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{Name: name, Status: "healthy", LastCheck: time.Now()}
			if err := checker.HealthCheck(checkCtx); err != nil {
				status.Status = "unhealthy"
				status.Error = err.Error()
			}

			mu.Lock()
			response.Checks[name] = status
			if status.Status != "healthy" {
				response.Status = "unhealthy"
			}
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	return response
}

// Handler serves the full health report.
func (a *Aggregator) Handler(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.Check(r.Context()))
}

// LivenessHandler answers the liveness probe: the process is up.
func (a *Aggregator) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&Response{
		Status:    "healthy",
		Service:   a.config.ServiceName,
		Version:   a.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(a.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers the readiness probe: all dependencies healthy.
func (a *Aggregator) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.Check(r.Context()))
}

func (a *Aggregator) writeResponse(w http.ResponseWriter, response *Response) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}
