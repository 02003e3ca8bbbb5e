// Package server exposes the delegation API, mission streams and the remote
// worker boundary over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/engine"
	"github.com/aristath/missionctl/internal/events"
	"github.com/aristath/missionctl/internal/mission"
)

// Long-poll bounds for remote worker dequeues.
const (
	DefaultDequeueWait = time.Second
	MaxDequeueWait     = 60 * time.Second
)

// Missions is the delegation surface served over HTTP.
type Missions interface {
	Delegate(ctx context.Context, req engine.DelegateRequest) (*engine.DelegateResponse, error)
	MissionStatus(ctx context.Context, missionID string) (*engine.StatusView, error)
	ListMissions(ctx context.Context, statuses []string, limit int) ([]*engine.StatusView, error)
	Cancel(ctx context.Context, missionID string) error
	Subscribe(ctx context.Context, missionID string) (*events.Subscription, error)
}

// Deliveries is the broker surface used by remote workers.
type Deliveries interface {
	TryDequeue(ctx context.Context, category mission.Category, wait time.Duration) (broker.Envelope, bool, error)
	Ack(deliveryID string) error
	Report(r broker.Report) error
}

// Server is the missionctl HTTP server.
type Server struct {
	httpServer *http.Server
	missions   Missions
	deliveries Deliveries
	logger     *slog.Logger
}

// New creates a server listening on addr.
func New(addr string, missions Missions, deliveries Deliveries, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		missions:   missions,
		deliveries: deliveries,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/missions", s.handleDelegate)
		r.Get("/missions", s.handleList)
		r.Get("/missions/{id}", s.handleStatus)
		r.Post("/missions/{id}/cancel", s.handleCancel)
		r.Get("/missions/{id}/stream", s.handleStream)

		r.Post("/workers/{category}/dequeue", s.handleDequeue)
		r.Post("/deliveries/{id}/ack", s.handleAck)
		r.Post("/reports", s.handleReport)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped and returns
// nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("missionctl listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req engine.DelegateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.missions.Delegate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/missions/"+resp.MissionID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var statuses []string
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, st)
			}
		}
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &mission.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}

	list, err := s.missions.ListMissions(r.Context(), statuses, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.missions.MissionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.missions.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.missions.MissionStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	cat := mission.Category(chi.URLParam(r, "category"))
	if !mission.KnownCategory(cat) {
		s.writeError(w, r, &mission.ValidationError{Field: "category", Reason: "unknown category " + string(cat)})
		return
	}

	wait := DefaultDequeueWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, &mission.ValidationError{Field: "wait", Reason: "must be a positive duration"})
			return
		}
		wait = min(d, MaxDequeueWait)
	}

	env, ok, err := s.deliveries.TryDequeue(r.Context(), cat, wait)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if err := s.deliveries.Ack(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var rep broker.Report
	if err := decode(w, r, &rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deliveries.Report(rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// maxBodyBytes bounds request bodies; task outputs travel in reports.
const maxBodyBytes = 8 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &mission.ValidationError{Reason: "malformed JSON body: " + err.Error()}
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *mission.ValidationError
		derr *mission.DecompositionError
		nerr *mission.NotFoundError
	)

	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.As(err, &derr):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &nerr), errors.Is(err, broker.ErrUnknownDelivery):
		code = http.StatusNotFound
	case errors.Is(err, broker.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away.
		return
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
