// Package memory provides in-memory store implementations for development
// and testing. All stores are safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/schema"
)

// JobStore is an in-memory crawl.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawl.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawl.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns all jobs ordered by creation time, newest first.
func (s *JobStore) ListJobs(_ context.Context) ([]crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// ListJobsByStatus returns jobs in the given status, newest first.
func (s *JobStore) ListJobsByStatus(ctx context.Context, status crawl.JobStatus) ([]crawl.Job, error) {
	all, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, job := range all {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

// UpdateJobStatus sets the status and error message.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status crawl.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// UpdateJobRetry sets the retry counter.
func (s *JobStore) UpdateJobRetry(_ context.Context, jobID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.RetryCount = retryCount
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// UpdateJobCheckpoint persists the resumable crawl position.
func (s *JobStore) UpdateJobCheckpoint(_ context.Context, jobID string, totalRecords int64, spec crawl.PaginationSpec, state crawl.PaginationState, snapshot *schema.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.TotalRecords = totalRecords
	job.Pagination = spec
	job.State = state
	if snapshot != nil {
		job.Schema = snapshot.Clone()
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

func cloneJob(job crawl.Job) crawl.Job {
	out := job
	if job.Schema != nil {
		out.Schema = job.Schema.Clone()
	}
	return out
}
