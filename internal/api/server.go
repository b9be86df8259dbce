// Package api exposes the HTTP interface for the crawl engine.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/apicrawl/apicrawl/internal/config"
	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/joblog"
)

// JobController is the scheduler surface the API drives.
type JobController interface {
	CreateJob(ctx context.Context, cfg crawl.JobConfig) (crawl.Job, error)
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	StopJob(ctx context.Context, jobID string) error
}

// CurlValidator dry-runs a curl command without creating a job.
type CurlValidator interface {
	Validate(ctx context.Context, rawCurl string) crawl.ValidationResult
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router chi.Router
	logger *zap.Logger

	controller    JobController
	validator     CurlValidator
	jobs          crawl.JobStore
	logs          crawl.LogStore
	notifications crawl.NotificationStore
	tables        crawl.TableStore
	emitter       *joblog.Emitter
}

// Deps collects the server's collaborators.
type Deps struct {
	Controller    JobController
	Validator     CurlValidator
	Jobs          crawl.JobStore
	Logs          crawl.LogStore
	Notifications crawl.NotificationStore
	Tables        crawl.TableStore
	Emitter       *joblog.Emitter
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:        logger.Named("api"),
		controller:    deps.Controller,
		validator:     deps.Validator,
		jobs:          deps.Jobs,
		logs:          deps.Logs,
		notifications: deps.Notifications,
		tables:        deps.Tables,
		emitter:       deps.Emitter,
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		// The log stream holds its connection open, so the timeout wrapper
		// skips that route.
		r.Use(timeoutMiddleware(60 * time.Second))

		r.Route("/crawler", func(r chi.Router) {
			r.Post("/validate", s.validateCurl)
			r.Post("/jobs", s.createJob)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/stop", s.stopJob)
				r.Get("/logs", s.listLogs)
				r.Get("/logs/stream", s.streamLogs)
			})
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.listNotifications)
			r.Post("/{notification_id}/read", s.markNotificationRead)
		})
		r.Route("/tables", func(r chi.Router) {
			r.Get("/", s.listTables)
			r.Route("/{table_name}", func(r chi.Router) {
				r.Get("/", s.getTable)
				r.Get("/rows", s.tableRows)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store backs every request path; a cheap list proves it answers.
	if _, err := s.jobs.ListJobsByStatus(r.Context(), crawl.JobStatusRunning); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds request handling. Streaming responses need the
// unwrapped ResponseWriter (http.TimeoutHandler buffers and drops Flusher),
// so the log stream route passes through.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := http.TimeoutHandler(next, d, "request timed out")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/logs/stream") {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
