// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checks and their HTTP probes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	defaultCheckTimeout = 5 * time.Second
)

// CheckFunc reports a problem as a non-nil error.
type CheckFunc func(ctx context.Context) error

// HealthCheck is a registered check and the outcome of its last run.
type HealthCheck struct {
	Name        string
	CheckFunc   CheckFunc
	Critical    bool
	Enabled     bool
	LastChecked time.Time
	LastError   error
}

// HealthStatus is the aggregated result reported by the probes.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
	Broker     interface{}            `json:"broker,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

type SystemInfo struct {
	Memory     MemoryInfo `json:"memory"`
	Goroutines int        `json:"goroutines"`
	OSInfo     OSInfo     `json:"os_info"`
}

type MemoryInfo struct {
	Alloc      uint64  `json:"alloc"`
	TotalAlloc uint64  `json:"total_alloc"`
	Sys        uint64  `json:"sys"`
	NumGC      uint32  `json:"num_gc"`
	GCPause    float64 `json:"gc_pause_ms"`
}

type OSInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	NumCPU   int    `json:"num_cpu"`
	Compiler string `json:"compiler"`
}

// HealthChecker runs registered checks. Only failing critical checks make
// the node unhealthy.
type HealthChecker struct {
	mu        sync.RWMutex
	nodeID    string
	version   string
	startedAt time.Time
	timeout   time.Duration

	healthy   bool
	lastCheck time.Time
	memStats  runtime.MemStats
	checks    map[string]*HealthCheck
}

// NewHealthChecker returns a checker with the memory and goroutine checks
// registered.
func NewHealthChecker(nodeID, version string) *HealthChecker {
	hc := &HealthChecker{
		nodeID:    nodeID,
		version:   version,
		startedAt: time.Now(),
		timeout:   defaultCheckTimeout,
		healthy:   true,
		checks:    make(map[string]*HealthCheck),
	}

	hc.RegisterCheck("memory", MemoryCheck(8<<30), false)
	hc.RegisterCheck("goroutines", GoroutineCheck(100000), false)
	return hc
}

// MemoryCheck fails when the runtime holds more than limit bytes.
func MemoryCheck(limit uint64) CheckFunc {
	return func(context.Context) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Sys > limit {
			return fmt.Errorf("high memory usage: %d bytes", m.Sys)
		}
		return nil
	}
}

// GoroutineCheck fails when more than limit goroutines are running. Each
// connection costs two.
func GoroutineCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if count := runtime.NumGoroutine(); count > limit {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}
}

// BreakerCheck fails while the circuit breaker reported by state is open.
func BreakerCheck(state func() gobreaker.State) CheckFunc {
	return func(context.Context) error {
		if s := state(); s == gobreaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", s)
		}
		return nil
	}
}

// RegisterCheck adds or replaces the check called name.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = &HealthCheck{
		Name:      name,
		CheckFunc: check,
		Critical:  critical,
		Enabled:   true,
	}
}

func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

func (hc *HealthChecker) EnableCheck(name string)  { hc.setEnabled(name, true) }
func (hc *HealthChecker) DisableCheck(name string) { hc.setEnabled(name, false) }

func (hc *HealthChecker) setEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if check, ok := hc.checks[name]; ok {
		check.Enabled = enabled
	}
}

// RunChecks executes every enabled check and records the results. Checks
// run without holding the lock, each bounded by the checker timeout.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	pending := make([]*HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		if check.Enabled {
			pending = append(pending, check)
		}
	}
	hc.mu.RUnlock()

	errs := make([]error, len(pending))
	var wg sync.WaitGroup
	for i, check := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()

			start := time.Now()
			errs[i] = check.CheckFunc(checkCtx)
			if d := time.Since(start); d > time.Second {
				log.Printf("[WARN] Health check %q took %v", check.Name, d)
			}
		}()
	}
	wg.Wait()

	now := time.Now()
	hc.mu.Lock()
	healthy := true
	for i, check := range pending {
		check.LastChecked = now
		check.LastError = errs[i]
		if errs[i] != nil && check.Critical {
			healthy = false
			log.Printf("[WARN] Critical health check %q failed: %v", check.Name, errs[i])
		}
	}
	hc.healthy = healthy
	hc.lastCheck = now
	runtime.ReadMemStats(&hc.memStats)
	hc.mu.Unlock()

	return hc.GetStatus()
}

// GetStatus returns the results of the last run without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		result := CheckResult{Status: "unknown", LastChecked: check.LastChecked, Critical: check.Critical}
		if !check.LastChecked.IsZero() {
			result.Status = "passed"
			if check.LastError != nil {
				result.Status = "failed"
				result.Message = check.LastError.Error()
			}
		}
		results[name] = result
	}

	return HealthStatus{
		Status:     hc.overallStatus(),
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.startedAt).Seconds()),
		Version:    hc.version,
		Node:       hc.nodeID,
		Checks:     results,
		SystemInfo: hc.systemInfo(),
	}
}

// CheckNames lists the registered checks.
func (hc *HealthChecker) CheckNames() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) systemInfo() SystemInfo {
	var gcPause float64
	if hc.memStats.NumGC > 0 {
		gcPause = float64(hc.memStats.PauseNs[(hc.memStats.NumGC+255)%256]) / 1e6
	}
	return SystemInfo{
		Memory: MemoryInfo{
			Alloc:      hc.memStats.Alloc,
			TotalAlloc: hc.memStats.TotalAlloc,
			Sys:        hc.memStats.Sys,
			NumGC:      hc.memStats.NumGC,
			GCPause:    gcPause,
		},
		Goroutines: runtime.NumGoroutine(),
		OSInfo: OSInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  runtime.Version(),
			NumCPU:   runtime.NumCPU(),
			Compiler: runtime.Compiler,
		},
	}
}

func (hc *HealthChecker) overallStatus() string {
	if hc.healthy {
		return StatusHealthy
	}
	return StatusUnhealthy
}

// Run re-runs the checks every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

// StatsSource supplies the broker figures embedded in the detailed report.
type StatsSource interface {
	Stats() interface{}
}

// StatsFunc adapts a function to StatsSource.
type StatsFunc func() interface{}

func (f StatsFunc) Stats() interface{} { return f() }

// HealthServer exposes a HealthChecker over HTTP.
type HealthServer struct {
	checker *HealthChecker
	stats   StatsSource
}

// NewHealthServer creates a HealthServer. stats may be nil.
func NewHealthServer(checker *HealthChecker, stats StatsSource) *HealthServer {
	return &HealthServer{checker: checker, stats: stats}
}

func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /health/live", hs.handleLiveness)
	mux.HandleFunc("GET /health/ready", hs.handleReadiness)
	mux.HandleFunc("GET /health/detailed", hs.handleDetailedHealth)
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := StatusHealthy, http.StatusOK
	if !hs.checker.IsHealthy() {
		status, code = StatusUnhealthy, http.StatusServiceUnavailable
	}
	hs.writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Service Unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	status := hs.checker.RunChecks(r.Context())
	if hs.stats != nil {
		status.Broker = hs.stats.Stats()
	}

	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, code, status)
}

func (hs *HealthServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}
