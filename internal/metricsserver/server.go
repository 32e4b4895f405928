// Package metricsserver exposes the pool's observability surface over
// HTTP: Prometheus metrics, a liveness/readiness probe, and a small status
// dashboard, adapted from the teacher's internal/api server with the
// tenant CRUD surface trimmed to a single backend.
package metricsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nativesql/mysqlclient/internal/config"
	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/mysqlpool"
)

// Server is the metrics/status HTTP server for one Pool.
type Server struct {
	pool       *mysqlpool.Pool
	collector  *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
}

// New creates a metrics/status server for pool.
func New(pool *mysqlpool.Pool, collector *metrics.Collector, listenCfg config.ListenConfig) *Server {
	return &Server{
		pool:      pool,
		collector: collector,
		startTime: time.Now(),
		listenCfg: listenCfg,
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.MetricsBind, s.listenCfg.MetricsPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[metricsserver] listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metricsserver] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.pool.Ping(r.Context())
	s.collector.SetBackendHealth(healthy)

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": boolToStatus(healthy)})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":   int(time.Since(s.startTime).Seconds()),
		"go_version":       runtime.Version(),
		"goroutines":       runtime.NumGoroutine(),
		"memory_mb":        float64(mem.Alloc) / 1024 / 1024,
		"idle_connections": s.pool.Idle(),
		"listen": map[string]interface{}{
			"metrics_port": s.listenCfg.MetricsPort,
			"metrics_bind": s.listenCfg.MetricsBind,
		},
	})
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, dashboardTemplate, s.pool.Idle(), int(time.Since(s.startTime).Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
