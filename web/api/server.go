// Package api serves run history and live scheduler events over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/device-test-orchestrator/internal/devicepool"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
	"github.com/hochfrequenz/device-test-orchestrator/internal/observer"
	"github.com/hochfrequenz/device-test-orchestrator/internal/resultstore"
)

// Store is the read side of the result store
type Store interface {
	ListRuns(limit int) ([]*resultstore.Run, error)
	GetRun(id string) (*resultstore.Run, error)
	ListExecutions(runID string) ([]resultstore.Execution, error)
	ListProblemDevices(runID string) ([]resultstore.ProblemDevice, error)
}

// Server is the HTTP API server
type Server struct {
	store    Store
	bus      *events.Bus
	observer *observer.Observer
	devices  func() []devicepool.DeviceStatus
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	log      *slog.Logger

	// PingInterval is how often websocket clients are pinged
	PingInterval time.Duration
}

// NewServer creates an API server. bus may be nil when no run is live.
func NewServer(store Store, bus *events.Bus, addr string, logger *slog.Logger) *Server {
	s := &Server{
		store: store,
		bus:   bus,
		addr:  addr,
		mux:   http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:          logging.Ensure(logger),
		PingInterval: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

// SetObserver adds live metrics to /api/status
func (s *Server) SetObserver(o *observer.Observer) {
	s.observer = o
}

// SetDevices adds the live device pool to /api/status. devices returns nil
// while no run holds a pool.
func (s *Server) SetDevices(devices func() []devicepool.DeviceStatus) {
	s.devices = devices
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
