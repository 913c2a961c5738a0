package api

import (
	"cequeue/internal/celog"
	"cequeue/internal/domain"
	"cequeue/internal/metrics"
	"cequeue/internal/usecase"
	"cequeue/internal/worker"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Engine is the local Compute Engine, present only when the API runs in the
// same process as the workers.
type Engine interface {
	Stats() worker.Stats
	TriggerNow()
}

type Deps struct {
	Queue    *usecase.Queue
	Engine   Engine
	Logs     *celog.Logs
	Metrics  *metrics.Recorder
	Provider *metrics.Provider
}

type Server struct {
	router *chi.Mux
	deps   Deps
}

func NewServer(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Logs == nil {
		deps.Logs = &celog.Logs{}
	}
	s := &Server{router: chi.NewRouter(), deps: deps}

	s.router.Route("/api/ce", func(r chi.Router) {
		r.Post("/submit", s.submit)
		r.Get("/queue", s.queue)
		r.Get("/activity", s.activity)
		r.Get("/info", s.info)
		r.Get("/logs/{uuid}", s.taskLog)
		r.Get("/metrics", s.collect)
	})
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

// Handler returns the router wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/" }),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

// Run serves HTTP on the given port until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Ctx(ctx).Info().Msg("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Ctx(ctx).Info().Msg("Server stopped")
	return nil
}

// maxSubmitBody is well above the largest request the validator accepts.
const maxSubmitBody = 16 << 10

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req domain.TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	t, err := s.deps.Queue.Submit(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, domain.ErrDuplicateTask):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if s.deps.Engine != nil {
		s.deps.Engine.TriggerNow()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": t.UUID})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := domain.ActivityQuery{
		ComponentKey: params.Get("component"),
		Status:       domain.ActivityStatus(params.Get("status")),
	}
	if q.Status != "" && !q.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown activity status %q", q.Status))
		return
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		q.Limit = limit
	}

	list, err := s.deps.Queue.Activity(r.Context(), q)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []domain.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": list})
}

type infoResponse struct {
	Pending    int64            `json:"pending"`
	InProgress int64            `json:"in_progress"`
	Scheduler  *worker.Stats    `json:"scheduler,omitempty"`
	Processed  metrics.Snapshot `json:"processed"`
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Queue.Counts(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := infoResponse{
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Processed:  s.deps.Metrics.Snapshot(),
	}
	if s.deps.Engine != nil {
		stats := s.deps.Engine.Stats()
		resp.Scheduler = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) taskLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid task id %q", id))
		return
	}
	path := s.deps.Logs.Path(id)
	if path == "" {
		writeError(w, http.StatusNotFound, errors.New("task logs are disabled"))
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no log for task %s", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("task_uuid", id).Msg("failed to stream task log")
	}
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Provider == nil {
		writeError(w, http.StatusNotFound, metrics.ErrDisabled)
		return
	}
	rm, err := s.deps.Provider.Collect(r.Context())
	if errors.Is(err, metrics.ErrDisabled) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
