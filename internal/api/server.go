// Package api is the out-of-band management surface: liveness,
// server status, group listing, and Prometheus metrics over HTTP.
// Chat moderation happens in-band over the chat protocol; this API is
// read-only.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/litechat/litechat/internal/config"
	"github.com/litechat/litechat/internal/group"
	"github.com/litechat/litechat/internal/health"
	"github.com/litechat/litechat/internal/metrics"
)

// ChatStats is the slice of the chat server the API reports on.
type ChatStats interface {
	ConnectionCount() int
	LoggedInCount() int
}

// Server is the management HTTP server.
type Server struct {
	stats       ChatStats
	groups      *group.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates the management server. Any of stats, groups,
// healthCheck, and metrics may be nil; the corresponding fields are
// simply omitted from responses.
func NewServer(st ChatStats, gm *group.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		stats:       st,
		groups:      gm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// authMiddleware returns a middleware that checks for a valid API key.
// Probe routes (health, metrics) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := s.listenCfg.APIKey
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server on the configured API port.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/groups", s.groupsHandler).Methods("GET")

	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	handler := s.securityHeaders(s.authMiddleware(r))

	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if s.listenCfg.APIKey == "" {
		slog.Warn("API key not configured, management endpoints are unauthenticated")
	}
	slog.Info("management API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("management API error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports liveness. The chat loop serves even when the
// credential store is down (logins fail, chat continues), so store
// trouble degrades the response body but not the status code.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.healthCheck != nil {
		resp["credential_store"] = s.healthCheck.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"listen": map[string]int{
			"chat_port": s.listenCfg.Port,
			"api_port":  s.listenCfg.APIPort,
		},
	}
	if s.stats != nil {
		resp["connections"] = s.stats.ConnectionCount()
		resp["logged_in"] = s.stats.LoggedInCount()
	}
	if s.groups != nil {
		resp["groups"] = s.groups.Count()
	}
	if s.healthCheck != nil {
		resp["credential_store_healthy"] = s.healthCheck.IsHealthy()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) groupsHandler(w http.ResponseWriter, r *http.Request) {
	infos := []group.Info{}
	if s.groups != nil {
		infos = s.groups.Infos()
	}
	writeJSON(w, http.StatusOK, infos)
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
