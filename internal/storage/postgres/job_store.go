package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/schema"
)

// JobStore persists crawl jobs in the crawl_jobs table.
type JobStore struct {
	db DB
}

// NewJobStore constructs a JobStore on an open pool.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, config, status, pagination, state, schema_map,
	total_records, retry_count, error_message, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawl.Job) error {
	configJSON, paginationJSON, stateJSON, schemaJSON, err := marshalJob(job)
	if err != nil {
		return err
	}
	query := `INSERT INTO crawl_jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.db.Exec(ctx, query,
		job.ID, configJSON, string(job.Status), paginationJSON, stateJSON, schemaJSON,
		job.TotalRecords, job.RetryCount, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Job{}, crawl.ErrNotFound
	}
	if err != nil {
		return crawl.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context) ([]crawl.Job, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM crawl_jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsByStatus returns jobs in one status, newest first.
func (s *JobStore) ListJobsByStatus(ctx context.Context, status crawl.JobStatus) ([]crawl.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE status = $1 ORDER BY created_at DESC, id DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// UpdateJobStatus sets status and error message.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status crawl.JobStatus, errMsg string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE crawl_jobs SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`,
		jobID, string(status), errMsg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UpdateJobRetry sets the retry counter.
func (s *JobStore) UpdateJobRetry(ctx context.Context, jobID string, retryCount int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE crawl_jobs SET retry_count = $2, updated_at = $3 WHERE id = $1`,
		jobID, retryCount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UpdateJobCheckpoint persists the resumable crawl position.
func (s *JobStore) UpdateJobCheckpoint(ctx context.Context, jobID string, totalRecords int64, spec crawl.PaginationSpec, state crawl.PaginationState, snapshot *schema.Map) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal pagination spec: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pagination state: %w", err)
	}
	var schemaJSON []byte
	if snapshot != nil {
		schemaJSON, err = json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal schema snapshot: %w", err)
		}
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE crawl_jobs SET total_records = $2, pagination = $3, state = $4, schema_map = $5, updated_at = $6 WHERE id = $1`,
		jobID, totalRecords, specJSON, stateJSON, schemaJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

func marshalJob(job crawl.Job) (configJSON, paginationJSON, stateJSON, schemaJSON []byte, err error) {
	if configJSON, err = json.Marshal(job.Config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal job config: %w", err)
	}
	if paginationJSON, err = json.Marshal(job.Pagination); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal pagination spec: %w", err)
	}
	if stateJSON, err = json.Marshal(job.State); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal pagination state: %w", err)
	}
	if job.Schema != nil {
		if schemaJSON, err = json.Marshal(job.Schema); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal schema snapshot: %w", err)
		}
	}
	return configJSON, paginationJSON, stateJSON, schemaJSON, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job            crawl.Job
		status         string
		configJSON     []byte
		paginationJSON []byte
		stateJSON      []byte
		schemaJSON     []byte
	)
	err := row.Scan(
		&job.ID, &configJSON, &status, &paginationJSON, &stateJSON, &schemaJSON,
		&job.TotalRecords, &job.RetryCount, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	job.Status = crawl.JobStatus(status)
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return crawl.Job{}, fmt.Errorf("unmarshal job config: %w", err)
	}
	if err := json.Unmarshal(paginationJSON, &job.Pagination); err != nil {
		return crawl.Job{}, fmt.Errorf("unmarshal pagination spec: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &job.State); err != nil {
		return crawl.Job{}, fmt.Errorf("unmarshal pagination state: %w", err)
	}
	if len(schemaJSON) > 0 {
		sm := schema.NewMap()
		if err := json.Unmarshal(schemaJSON, sm); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal schema snapshot: %w", err)
		}
		job.Schema = sm
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]crawl.Job, error) {
	defer rows.Close()
	var out []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
