package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/storage/postgres"
)

const (
	defaultLogLimit    = 100
	defaultRowLimit    = 50
	maxRowLimit        = 1000
	streamBacklogLimit = 1000
	keepAlivePeriod    = 15 * time.Second
)

type validateRequest struct {
	CurlCommand string `json:"curl_command"`
}

func (s *Server) validateCurl(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurlCommand == "" {
		s.writeError(w, http.StatusBadRequest, "curl_command is required")
		return
	}
	res := s.validator.Validate(r.Context(), req.CurlCommand)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var cfg crawl.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.controller.CreateJob(r.Context(), cfg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []crawl.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.jobs.ListJobsByStatus(r.Context(), crawl.JobStatus(status))
	} else {
		jobs, err = s.jobs.ListJobs(r.Context())
	}
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if jobs == nil {
		jobs = []crawl.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, crawl.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, s.controller.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, s.controller.Resume)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, s.controller.StopJob)
}

func (s *Server) jobTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, jobID string) error) {
	jobID := chi.URLParam(r, "job_id")
	if err := op(r.Context(), jobID); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	sinceID := queryInt64(r, "since_id", 0)
	limit := queryInt(r, "limit", defaultLogLimit)

	entries, err := s.logs.ListLogs(r.Context(), jobID, sinceID, limit)
	if err != nil {
		s.logger.Error("list logs failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list logs failed")
		return
	}
	if entries == nil {
		entries = []crawl.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// streamLogs serves a Server-Sent Events tail of a job's crawl log. The
// backlog since since_id goes out first, then live entries as they are
// emitted. Ids are strictly increasing, so a client can reconnect with the
// last id it saw and miss nothing.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	sinceID := queryInt64(r, "since_id", 0)

	if _, err := s.jobs.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}

	// Subscribe before replaying the backlog so nothing emitted in between is
	// lost; duplicates are filtered by id below.
	live, cancel := s.emitter.Subscribe(jobID)
	defer cancel()

	backlog, err := s.logs.ListLogs(r.Context(), jobID, sinceID, streamBacklogLimit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list logs failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := sinceID
	for _, entry := range backlog {
		if err := writeEvent(w, entry); err != nil {
			return
		}
		lastID = entry.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case entry, open := <-live:
			if !open {
				return
			}
			if entry.ID <= lastID {
				continue
			}
			// Ids are process-wide, so a gap may just be other jobs'
			// entries. Re-reading the store makes the tail at-least-once
			// when this job's entries were dropped by a full subscriber
			// buffer or a truncated backlog.
			if entry.ID > lastID+1 {
				lastID, err = s.backfillLogs(r.Context(), w, jobID, lastID, entry.ID)
				if err != nil {
					return
				}
			}
			if entry.ID > lastID {
				if err := writeEvent(w, entry); err != nil {
					return
				}
				lastID = entry.ID
			}
			flusher.Flush()
		}
	}
}

// backfillLogs replays stored entries with ids in (sinceID, upToID) and
// returns the last id written.
func (s *Server) backfillLogs(ctx context.Context, w http.ResponseWriter, jobID string, sinceID, upToID int64) (int64, error) {
	lastID := sinceID
	for {
		entries, err := s.logs.ListLogs(ctx, jobID, lastID, streamBacklogLimit)
		if err != nil {
			return lastID, err
		}
		for _, entry := range entries {
			if entry.ID >= upToID {
				return lastID, nil
			}
			if err := writeEvent(w, entry); err != nil {
				return lastID, err
			}
			lastID = entry.ID
		}
		if len(entries) < streamBacklogLimit {
			return lastID, nil
		}
	}
}

func writeEvent(w http.ResponseWriter, entry crawl.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", entry.ID, data)
	return err
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	items, err := s.notifications.ListNotifications(r.Context(), unreadOnly)
	if err != nil {
		s.logger.Error("list notifications failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list notifications failed")
		return
	}
	if items == nil {
		items = []crawl.Notification{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notification_id")
	if err := s.notifications.MarkNotificationRead(r.Context(), id); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("notification %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "mark notification failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.tables.ListTables(r.Context())
	if err != nil {
		s.logger.Error("list tables failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list tables failed")
		return
	}
	if tables == nil {
		tables = []crawl.TableInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) getTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "table_name")
	if !postgres.ValidIdentifier(name) {
		s.writeError(w, http.StatusBadRequest, "invalid table name")
		return
	}
	info, err := s.tables.TableInfo(r.Context(), name)
	if errors.Is(err, crawl.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("table %s not found", name))
		return
	}
	if err != nil {
		s.logger.Error("table info failed", zap.String("table", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "table info failed")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) tableRows(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "table_name")
	if !postgres.ValidIdentifier(name) {
		s.writeError(w, http.StatusBadRequest, "invalid table name")
		return
	}
	limit := queryInt(r, "limit", defaultRowLimit)
	if limit > maxRowLimit {
		limit = maxRowLimit
	}
	offset := queryInt(r, "offset", 0)

	rows, err := s.tables.Rows(r.Context(), name, limit, offset)
	if errors.Is(err, crawl.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("table %s not found", name))
		return
	}
	if err != nil {
		s.logger.Error("table rows failed", zap.String("table", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "table rows failed")
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rows":   rows,
		"limit":  limit,
		"offset": offset,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
