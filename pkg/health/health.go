// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrNotRunning is returned by the Running check of a stopped server.
var ErrNotRunning = errors.New("server is not running")

// Check represents a single health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registered struct {
	check    CheckFunc
	critical bool
}

// Checker runs registered checks and caches their results for a TTL.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registered
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker. Zero cacheTTL defaults to 10s,
// a negative one disables caching.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]registered),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a non critical check. A failing one degrades health.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a check whose failure makes the service unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{check: check, critical: critical}
	delete(c.cache, name)
}

// Health runs the checks and returns the overall status with the results
// sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	checks := make([]Check, 0, len(c.checks))
	overall := StatusHealthy

	for name, r := range c.checks {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			start := time.Now()
			err := r.check(ctx)

			check = &Check{
				Name:        name,
				Status:      StatusHealthy,
				Critical:    r.critical,
				LastChecked: time.Now(),
				Duration:    time.Since(start),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			c.cache[name] = check
		}

		if check.Status != StatusHealthy {
			switch {
			case check.Critical:
				overall = StatusUnhealthy
			case overall == StatusHealthy:
				overall = StatusDegraded
			}
		}
		checks = append(checks, *check)
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return overall, checks
}

func (c *Checker) respond(w http.ResponseWriter, r *http.Request, ready func(Status) bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, checks := c.Health(ctx)

	w.Header().Set("Content-Type", "application/json")
	if ready(status) {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// HTTPHandler reports health. Degraded services still accept traffic.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, func(s Status) bool { return s != StatusUnhealthy })
	}
}

// ReadinessHandler reports ready only when every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, func(s Status) bool { return s == StatusHealthy })
	}
}

// LivenessHandler returns a simple liveness check.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// Mount registers /health, /ready and /live on r.
func (c *Checker) Mount(r chi.Router) {
	r.Get("/health", c.HTTPHandler())
	r.Get("/ready", c.ReadinessHandler())
	r.Get("/live", LivenessHandler())
}

// Running checks that running reports true.
func Running(running func() bool) CheckFunc {
	return func(ctx context.Context) error {
		if !running() {
			return ErrNotRunning
		}
		return nil
	}
}

// Capacity fails once count reaches max. A max below one is unlimited.
func Capacity(count, max func() int) CheckFunc {
	return func(ctx context.Context) error {
		n, limit := count(), max()
		if limit > 0 && n >= limit {
			return fmt.Errorf("client limit reached: %d of %d", n, limit)
		}
		return nil
	}
}
