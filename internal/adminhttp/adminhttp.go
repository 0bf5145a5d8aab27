// Package adminhttp exposes the Supervisor's administrative surface
// (pause/resume/reset/queue_status/restart_workers and bulk job
// operations) over a local HTTP listener, grounded on the teacher's
// app.go:startProxyServer pattern: an http.ServeMux bound to a
// net.Listener, served in a background goroutine, with a graceful
// Shutdown on stop.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	apperr "videopipe/internal/errors"
	"videopipe/internal/job"
	"videopipe/internal/logger"
	"videopipe/internal/supervisor"
)

// Server is the admin HTTP surface bound to a single address.
type Server struct {
	sup    *supervisor.Supervisor
	server *http.Server
}

// New builds the server's mux but does not start listening.
func New(sup *supervisor.Supervisor, addr string) *Server {
	s := &Server{sup: sup}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pause", s.handlePause)
	mux.HandleFunc("/v1/resume", s.handleResume)
	mux.HandleFunc("/v1/reset", s.handleReset)
	mux.HandleFunc("/v1/restart_workers", s.handleRestartWorkers)
	mux.HandleFunc("/v1/queue_status", s.handleQueueStatus)

	mux.HandleFunc("/v1/jobs", s.handleJobsCollection)
	mux.HandleFunc("/v1/jobs/", s.handleJobItem)

	mux.HandleFunc("/v1/jobs/bulk/delete", s.handleBulk(sup.BulkDelete))
	mux.HandleFunc("/v1/jobs/bulk/retry", s.handleBulk(sup.BulkRetry))
	mux.HandleFunc("/v1/jobs/bulk/cancel", s.handleBulk(sup.BulkCancel))
	mux.HandleFunc("/v1/jobs/bulk/start_selected", s.handleBulk(sup.StartSelected))
	mux.HandleFunc("/v1/jobs/bulk/start_all", s.handleBulkStartAll)

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in a background goroutine. Errors other than a
// clean Shutdown are logged rather than returned, matching the teacher's
// fire-and-forget proxy server goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error().Err(err).Msg("adminhttp: server error")
		}
	}()
	logger.Log.Info().Str("addr", s.server.Addr).Msg("adminhttp: admin server started")
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sup.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sup.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleRestartWorkers(w http.ResponseWriter, r *http.Request) {
	s.sup.RestartWorkers(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": true})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sup.QueueStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type createJobRequest struct {
	Platform    string `json:"platform"`
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspectRatio"`
	ImagePath   string `json:"imagePath"`
}

func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		spec := job.Spec{
			Prompt:      req.Prompt,
			Duration:    req.Duration,
			AspectRatio: job.AspectRatio(req.AspectRatio),
			ImagePath:   req.ImagePath,
		}
		j, err := s.sup.CreateJob(r.Context(), req.Platform, spec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, j)

	case http.MethodGet:
		skip, limit := pageParams(r)
		status := job.Status(r.URL.Query().Get("status"))
		jobs, err := s.sup.ListJobs(r.Context(), skip, limit, status)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleJobItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "start":
			if err := s.sup.StartJob(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"started": true})
			return
		case "retry":
			if err := s.sup.RetryJob(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"retried": true})
			return
		case "cancel":
			if err := s.sup.CancelJob(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
			return
		}
		http.Error(w, "unknown job sub-resource", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		j, err := s.sup.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case http.MethodDelete:
		if err := s.sup.DeleteJob(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type bulkRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleBulk(op func(context.Context, []int64) []supervisor.BulkResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, op(r.Context(), req.IDs))
	}
}

// handleBulkStartAll implements the supplemented bulk_start_jobs
// operation from original_source/task_service.py: start every
// currently-startable job, not just a caller-selected subset.
func (s *Server) handleBulkStartAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.sup.BulkStartJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func pageParams(r *http.Request) (skip, limit int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	return skip, limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsBackpressure(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrInvalidSpec), strings.Contains(err.Error(), "invalid"):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
