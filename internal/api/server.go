package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"binance-multigrid-bot/internal/logger"
	"binance-multigrid-bot/internal/models"
	"binance-multigrid-bot/internal/persistence"
)

// EngineControl is the narrow view of the engine the HTTP surface needs.
// Handlers only ever read published snapshots or request a cooperative stop.
type EngineControl interface {
	Status() models.EngineStatus
	ActiveOrders() []models.Order
	Stop(ctx context.Context) error
}

// Server exposes the read-only status endpoints and the stop control.
type Server struct {
	engine EngineControl
	repo   persistence.Repository
	http   *http.Server
}

func NewServer(addr string, engine EngineControl, repo persistence.Repository) *Server {
	s := &Server{engine: engine, repo: repo}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/orders", s.handleOrders).Methods(http.MethodGet)
	r.HandleFunc("/api/trades", s.handleTrades).Methods(http.MethodGet)
	r.HandleFunc("/api/stop", s.handleStop).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      cors.Default().Handler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. Blocking.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.engine.ActiveOrders()
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.repo.GetTrades(100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.engine.Stop(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.S().Warnf("write response failed: %v", err)
	}
}
