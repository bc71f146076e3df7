package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Check is a named readiness probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Health serves liveness and readiness
type Health struct {
	checks  []Check
	timeout time.Duration
}

// NewHealth creates a health handler running checks on /ready
func NewHealth(checks ...Check) *Health {
	return &Health{checks: checks, timeout: 2 * time.Second}
}

// Live handles GET /health
func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		g       errgroup.Group
		status  = http.StatusOK
		results = make(map[string]string, len(h.checks))
	)
	for _, c := range h.checks {
		c := c
		g.Go(func() error {
			outcome := "ok"
			if err := c.Probe(ctx); err != nil {
				outcome = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			results[c.Name] = outcome
			if outcome != "ok" {
				status = http.StatusServiceUnavailable
			}
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, status, results)
}
