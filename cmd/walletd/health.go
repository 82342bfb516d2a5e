package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port   int
	server *http.Server
	status func() HealthStatus
}

// HealthStatus is a snapshot of the daemon's state
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	NATSConnected bool   `json:"nats_connected"`
	WalletReady   bool   `json:"wallet_ready"`
	VaultUnlocked bool   `json:"vault_unlocked"`
	Popups        int    `json:"popups"`
	Extensions    int    `json:"extensions"`
	Externals     int    `json:"externals"`
	Pending       int    `json:"pending"`
	Handled       uint64 `json:"messages_handled"`
	Ignored       uint64 `json:"messages_ignored"`
	Failures      uint64 `json:"messages_failed"`
	GuardLocks    uint64 `json:"guard_locks"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
}

var startTime = time.Now()

// NewHealthServer creates a health server reporting status().
func NewHealthServer(port int, status func() HealthStatus) *HealthServer {
	return &HealthServer{
		port:   port,
		status: status,
	}
}

// Handler returns the health endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

// Start starts the health server
func (h *HealthServer) Start() {
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
}

func (h *HealthServer) snapshot() HealthStatus {
	s := h.status()
	s.Uptime = time.Since(startTime).String()
	s.Version = Version
	return s
}

// handleHealth handles the /health endpoint
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady reports whether external applications are being served
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	if status.Healthy && status.WalletReady {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s := h.snapshot()

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP walletd_healthy Whether the daemon is healthy\n")
	fmt.Fprintf(w, "# TYPE walletd_healthy gauge\n")
	fmt.Fprintf(w, "walletd_healthy %d\n", boolGauge(s.Healthy))
	fmt.Fprintf(w, "# HELP walletd_nats_connected Whether connected to the browser shim\n")
	fmt.Fprintf(w, "# TYPE walletd_nats_connected gauge\n")
	fmt.Fprintf(w, "walletd_nats_connected %d\n", boolGauge(s.NATSConnected))
	fmt.Fprintf(w, "# HELP walletd_wallet_ready Whether external connections are released\n")
	fmt.Fprintf(w, "# TYPE walletd_wallet_ready gauge\n")
	fmt.Fprintf(w, "walletd_wallet_ready %d\n", boolGauge(s.WalletReady))
	fmt.Fprintf(w, "# HELP walletd_vault_unlocked Whether a wallet session is loaded\n")
	fmt.Fprintf(w, "# TYPE walletd_vault_unlocked gauge\n")
	fmt.Fprintf(w, "walletd_vault_unlocked %d\n", boolGauge(s.VaultUnlocked))
	fmt.Fprintf(w, "# HELP walletd_channels Registered channels by trust class\n")
	fmt.Fprintf(w, "# TYPE walletd_channels gauge\n")
	fmt.Fprintf(w, "walletd_channels{class=\"POPUP\"} %d\n", s.Popups)
	fmt.Fprintf(w, "walletd_channels{class=\"EXTENSION\"} %d\n", s.Extensions)
	fmt.Fprintf(w, "walletd_channels{class=\"OTHER\"} %d\n", s.Externals)
	fmt.Fprintf(w, "# HELP walletd_pending_connections External connections waiting for readiness\n")
	fmt.Fprintf(w, "# TYPE walletd_pending_connections gauge\n")
	fmt.Fprintf(w, "walletd_pending_connections %d\n", s.Pending)
	fmt.Fprintf(w, "# HELP walletd_messages_total Routed messages by outcome\n")
	fmt.Fprintf(w, "# TYPE walletd_messages_total counter\n")
	fmt.Fprintf(w, "walletd_messages_total{result=\"handled\"} %d\n", s.Handled)
	fmt.Fprintf(w, "walletd_messages_total{result=\"ignored\"} %d\n", s.Ignored)
	fmt.Fprintf(w, "walletd_messages_total{result=\"failed\"} %d\n", s.Failures)
	fmt.Fprintf(w, "# HELP walletd_guard_locks_total Session guard ticks that locked the vault\n")
	fmt.Fprintf(w, "# TYPE walletd_guard_locks_total counter\n")
	fmt.Fprintf(w, "walletd_guard_locks_total %d\n", s.GuardLocks)
	fmt.Fprintf(w, "# HELP walletd_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE walletd_uptime_seconds counter\n")
	fmt.Fprintf(w, "walletd_uptime_seconds %.0f\n", time.Since(startTime).Seconds())
}
