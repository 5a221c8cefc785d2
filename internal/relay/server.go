package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tfclaw/tfclaw/internal/relay/config"
	"github.com/tfclaw/tfclaw/internal/util/timefmt"
)

// Server wires the Hub into an HTTP server with the WebSocket
// endpoint, the health endpoint and Prometheus metrics.
type Server struct {
	cfg    *config.Config
	hub    *Hub
	server *http.Server
}

// NewServer builds the relay HTTP server from configuration.
func NewServer(cfg *config.Config) *Server {
	hub := NewHub(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WSPath, hub.HandleUpgrade)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sessions, sockets := hub.Counts()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":       true,
			"service":  "tfclaw-relay",
			"time":     timefmt.Now(),
			"sessions": sessions,
			"sockets":  sockets,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		cfg: cfg,
		hub: hub,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve listens and blocks until ctx is cancelled, then performs a
// graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go s.hub.RunHeartbeats(hbCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("relay shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("relay listening", "addr", s.cfg.Addr(), "ws_path", s.cfg.WSPath)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone
	return nil
}
