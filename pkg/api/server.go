package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/fleet"
	"github.com/odvcencio/mendel/pkg/logging"
	"github.com/odvcencio/mendel/pkg/telemetry"
	"github.com/odvcencio/mendel/pkg/trial"
)

const writeTimeout = 10 * time.Second

// Server exposes the orchestration core over HTTP: trial submission and
// inspection, fleet status, a websocket event stream, and metrics.
type Server struct {
	supervisor *trial.Supervisor
	registry   *fleet.Registry
	hub        *telemetry.Hub
	logger     *logging.Logger

	router   chi.Router
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer wires the HTTP surface. logger may be nil.
func NewServer(bind string, supervisor *trial.Supervisor, registry *fleet.Registry, hub *telemetry.Hub, logger *logging.Logger) *Server {
	s := &Server{
		supervisor: supervisor,
		registry:   registry,
		hub:        hub,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // observers connect from anywhere on the trusted network
			},
		},
	}

	r := chi.NewRouter()
	// No request timeout middleware: /api/v1/events holds its connection open.
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/services", s.handleListServices)
		r.Get("/services/{name}", s.handleGetService)
		r.Post("/trials", s.handleSubmitTrial)
		r.Get("/trials", s.handleListTrials)
		r.Get("/trials/{id}", s.handleGetTrial)
		r.Post("/trials/{id}/cancel", s.handleCancelTrial)
		r.Get("/events", s.handleEvents)
	})

	s.router = r
	s.http = &http.Server{
		Addr:              bind,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.registry.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":  healthy,
		"services": s.registry.AllStatuses(),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.AllStatuses())
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	status, err := s.registry.Status(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSubmitTrial(w http.ResponseWriter, r *http.Request) {
	var req trial.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed trial request"))
		return
	}

	// The trial must outlive this request; submission is fire-and-forget.
	id, err := s.supervisor.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"trialId": id})
}

func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.List())
}

func (s *Server) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	state, err := s.supervisor.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancelTrial(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"trialId": id, "status": "cancelling"})
}

// handleEvents upgrades to a websocket and streams hub events until the
// client disconnects. Each connection is its own hub subscriber with its own
// drop accounting; a slow websocket never stalls anyone else.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(logging.CategoryAPI, "ws_upgrade_failed", "websocket upgrade failed", map[string]any{
				"remote": r.RemoteAddr,
				"error":  err.Error(),
			})
		}
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	defer conn.Close()

	// Reader exists only to detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	writeJSON(w, httpStatus(code), map[string]any{
		"error": err.Error(),
		"code":  string(code),
	})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound, errors.ErrCodeServiceNotFound:
		return http.StatusNotFound
	case errors.ErrCodeCapacityExceeded:
		return http.StatusTooManyRequests
	case errors.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
