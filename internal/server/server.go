// Package server exposes the pipeline over HTTP.
//
// Submitting a diagram or plot validates the request and creates the run
// directory synchronously, then answers 202 Accepted with the run summary.
// The run itself executes in the background; at most MaxConcurrentRuns runs
// execute at once and later submissions wait for a free slot. Progress is
// read back through the run index.
//
//	POST /v1/diagrams          {"input_text": "...", "caption": "..."}
//	POST /v1/plots             {"data": {...}, "intent": "..."}
//	GET  /v1/runs              ?status=&mode=&limit=
//	GET  /v1/runs/{id}
//	GET  /v1/runs/{id}/image
//	GET  /healthz
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/agents"
	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/pipeline"
	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
)

const (
	// DefaultMaxConcurrentRuns bounds background runs when Options leaves it unset.
	DefaultMaxConcurrentRuns = 4

	maxBodyBytes    = 10 << 20
	shutdownTimeout = 10 * time.Second
)

// Runner prepares and executes runs. *pipeline.Orchestrator implements it.
type Runner interface {
	Prepare(ctx context.Context, req agents.Request) (*pipeline.RunState, error)
	Execute(ctx context.Context, st *pipeline.RunState) error
}

// Options configures a Server.
type Options struct {
	MaxConcurrentRuns int
	Logger            *log.Logger
}

// Server serves the HTTP API and owns the background runs it starts.
type Server struct {
	runner Runner
	store  runstore.Store
	logger *log.Logger
	router chi.Router

	slots      chan struct{}
	runs       sync.WaitGroup
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// New creates a server. Runs started by the server are cancelled by Close.
func New(runner Runner, store runstore.Store, opts Options) *Server {
	if opts.MaxConcurrentRuns < 1 {
		opts.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:     runner,
		store:      store,
		logger:     opts.Logger,
		slots:      make(chan struct{}, opts.MaxConcurrentRuns),
		runCtx:     ctx,
		cancelRuns: cancel,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/diagrams", s.handleDiagram)
		r.Post("/plots", s.handlePlot)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/image", s.handleRunImage)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down the
// listener and cancels in-flight runs, leaving them resumable.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// Wait blocks until every background run has returned.
func (s *Server) Wait() { s.runs.Wait() }

// Close cancels background runs and waits for them to persist their state.
func (s *Server) Close() {
	s.cancelRuns()
	s.runs.Wait()
}

// =============================================================================
// Submissions
// =============================================================================

type diagramBody struct {
	InputText string `json:"input_text"`
	Caption   string `json:"caption"`
}

type plotBody struct {
	Data   json.RawMessage `json:"data"`
	Intent string          `json:"intent"`
}

func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	var body diagramBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := agents.NewDiagramRequest(body.InputText, body.Caption)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, req)
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	var body plotBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := agents.NewPlotRequest(body.Data, body.Intent)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req agents.Request) {
	st, err := s.runner.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	sum := st.Summary()

	s.runs.Add(1)
	go s.execute(st)

	w.Header().Set("Location", "/v1/runs/"+st.RunID)
	writeJSON(w, http.StatusAccepted, sum)
}

func (s *Server) execute(st *pipeline.RunState) {
	defer s.runs.Done()

	select {
	case s.slots <- struct{}{}:
	case <-s.runCtx.Done():
		return
	}
	defer func() { <-s.slots }()
	if s.runCtx.Err() != nil {
		return
	}

	if err := s.runner.Execute(s.runCtx, st); err != nil {
		s.logger.Warn("run ended with error", "run", st.RunID, "err", err)
		return
	}
	s.logger.Info("run finished", "run", st.RunID, "status", st.Status)
}

// =============================================================================
// Queries
// =============================================================================

// runResponse is a run summary with its iteration history.
type runResponse struct {
	runstore.Summary
	History []pipeline.IterationRecord `json:"history,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := runstore.ListOptions{Status: q.Get("status"), Mode: q.Get("mode")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, pberrors.Validation("invalid limit: %q", v))
			return
		}
		opts.Limit = n
	}
	runs, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []runstore.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := runResponse{Summary: sum}
	if st, err := pipeline.Load(sum.Dir); err == nil {
		resp.History = st.Iterations
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunImage(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sum.FinalImage == "" {
		writeError(w, pberrors.New(pberrors.ErrCodeNotFound, "run %s has no image yet", sum.ID))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, sum.FinalImage)
}

// =============================================================================
// Helpers
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, pberrors.Wrap(pberrors.ErrCodeValidation, err, "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch pberrors.GetCode(err) {
	case pberrors.ErrCodeValidation:
		status = http.StatusBadRequest
	case pberrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case pberrors.ErrCodeExternalService:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error": pberrors.UserMessage(err),
		"code":  string(pberrors.GetCode(err)),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
