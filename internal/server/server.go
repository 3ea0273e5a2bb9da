// Package server exposes the HTTP API: sync triggers and history, pipeline
// runs, the review queue, health and Prometheus metrics. Errors are rendered
// as problem documents {error_code, message, details}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mnemo/internal/anki"
	"mnemo/internal/ingest"
	"mnemo/internal/notion"
	"mnemo/internal/pipeline"
	"mnemo/internal/review"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Deps carries everything the HTTP layer needs. Notion, anki and LLM pieces
// are optional; their endpoints degrade per the health contract.
type Deps struct {
	Store    *store.Store
	Engine   *ingest.Engine
	Pipeline *pipeline.Runner
	Review   *review.Queue
	Notion   *notion.Client
	Anki     *anki.Client
	HasLLM   bool
	Log      *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps Deps
	log  *zap.Logger
	http *http.Server
}

// New builds the server listening on addr.
func New(addr string, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{deps: deps, log: deps.Log}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled, then drains with a 10s grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/notion", s.handleSyncNotion)
		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/sync/status/{id}", s.handleSyncStatus)
		r.Get("/sync/history", s.handleSyncHistory)
		r.Post("/sync/{id}/cancel", s.handleSyncCancel)

		r.Post("/clean/run", s.handleCleanRun)

		r.Get("/review", s.handleReviewList)
		r.Post("/review/{id}/approve", s.handleReviewApprove)
		r.Post("/review/{id}/reject", s.handleReviewReject)
	})
	return r
}

// requestLogger logs method, path, status and latency for every request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// PROBLEM DOCUMENTS
// =============================================================================

type problem struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

func (s *Server) writeProblem(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{ErrorCode: code, Message: message, Details: details})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeProblem(w, http.StatusNotFound, "not_found", "resource not found", err.Error())
	case errors.Is(err, store.ErrStaleAtom):
		s.writeProblem(w, http.StatusConflict, "stale_version", "atom changed concurrently, retry", err.Error())
	case errors.Is(err, notion.ErrWriteProtected):
		s.writeProblem(w, http.StatusForbidden, "write_protected", "notion write protection is enabled", err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeProblem(w, http.StatusInternalServerError, "internal", "internal error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// SYNC
// =============================================================================

type syncRequest struct {
	Mode        string   `json:"mode,omitempty"` // full | incremental
	Collections []string `json:"collections,omitempty"`
	Parallel    bool     `json:"parallel,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

// handleSyncNotion starts a sync asynchronously and returns 202 with the run
// id; progress is polled through /api/sync/status/{id}.
func (s *Server) handleSyncNotion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.writeProblem(w, http.StatusServiceUnavailable, "notion_unconfigured",
			"notion sync is not configured", "set notion.token and database ids")
		return
	}

	var req syncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeProblem(w, http.StatusBadRequest, "bad_request", "invalid JSON body", err.Error())
			return
		}
	}
	mode := types.SyncIncremental
	if req.Mode == string(types.SyncFull) {
		mode = types.SyncFull
	}

	runID := uuid.NewString()
	go func() {
		// Detached from the request context: the sync outlives the caller.
		_, err := s.deps.Engine.Sync(context.Background(), ingest.Options{
			Mode:        mode,
			Collections: req.Collections,
			Parallel:    req.Parallel,
			DryRun:      req.DryRun,
			RunID:       runID,
		})
		if err != nil {
			s.log.Warn("async sync failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(types.RunRunning),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		run *types.SyncRun
		err error
	)
	if id == "" {
		run, err = s.deps.Store.LatestRun(store.RunKindSync)
	} else {
		run, err = s.deps.Store.GetRun(id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 {
			s.writeProblem(w, http.StatusBadRequest, "bad_request", "invalid limit", v)
			return
		}
	}

	runs, err := s.deps.Store.ListRuns(store.RunKindSync, status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Engine == nil || !s.deps.Engine.Cancel(id) {
		s.writeProblem(w, http.StatusNotFound, "not_running",
			"no active sync with that id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancelling"})
}

// =============================================================================
// PIPELINE
// =============================================================================

type cleanRequest struct {
	EnableRewrite bool   `json:"enable_rewrite,omitempty"`
	MinGrade      string `json:"min_grade,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

func (s *Server) handleCleanRun(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeProblem(w, http.StatusBadRequest, "bad_request", "invalid JSON body", err.Error())
			return
		}
	}

	summary, err := s.deps.Pipeline.Run(r.Context(), pipeline.Options{
		EnableRewrite: req.EnableRewrite,
		MinGrade:      types.Grade(req.MinGrade),
		DryRun:        req.DryRun,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// REVIEW
// =============================================================================

func (s *Server) handleReviewList(w http.ResponseWriter, r *http.Request) {
	status := types.ReviewStatus(r.URL.Query().Get("status"))
	items, err := s.deps.Store.ListReviewItems(status, 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleReviewApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Note string `json:"note,omitempty"`
	}
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.deps.Review.Approve(id, body.Note); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(types.ReviewApproved)})
}

func (s *Server) handleReviewReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		s.writeProblem(w, http.StatusBadRequest, "bad_request", "reason is required", "")
		return
	}
	if err := s.deps.Review.Reject(id, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(types.ReviewRejected)})
}

// =============================================================================
// HEALTH
// =============================================================================

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// handleHealth probes each component. Storage failing is unhealthy; optional
// integrations missing only degrade.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	healthy := true

	if err := s.deps.Store.Ping(); err != nil {
		components["storage"] = "down: " + err.Error()
		healthy = false
	} else {
		components["storage"] = "ok"
	}

	if s.deps.Notion.Configured() {
		components["notion"] = "configured"
	} else {
		components["notion"] = "unconfigured"
	}

	if s.deps.Anki != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if v, err := s.deps.Anki.Version(ctx); err != nil {
			components["anki"] = "unreachable"
		} else {
			components["anki"] = fmt.Sprintf("ok (v%d)", v)
		}
	} else {
		components["anki"] = "unconfigured"
	}

	if s.deps.HasLLM {
		components["ai"] = "configured"
	} else {
		components["ai"] = "unconfigured"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
