package crawl

import (
	"context"
	"time"

	"github.com/apicrawl/apicrawl/internal/schema"
)

// JobStore persists job records and checkpoints.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	UpdateJobRetry(ctx context.Context, jobID string, retryCount int) error
	// UpdateJobCheckpoint persists the detected pagination contract, the
	// position, the schema snapshot, and the running record total after every
	// successful page. Resume must never re-run detection or inference.
	UpdateJobCheckpoint(ctx context.Context, jobID string, totalRecords int64, spec PaginationSpec, state PaginationState, snapshot *schema.Map) error
}

// TableStore is the dynamic-table storage adapter. EnsureSchema must be
// idempotent under concurrent first use: create-if-absent, add-column-if-absent,
// widen-if-narrower.
type TableStore interface {
	EnsureSchema(ctx context.Context, table string, s *schema.Map) error
	InsertBatch(ctx context.Context, table string, s *schema.Map, records []map[string]any) (int, error)
	ListTables(ctx context.Context) ([]TableInfo, error)
	TableInfo(ctx context.Context, table string) (TableInfo, error)
	Rows(ctx context.Context, table string, limit, offset int) ([]map[string]any, error)
}

// LogStore persists the append-only crawl log.
type LogStore interface {
	AppendLog(ctx context.Context, entry LogEntry) error
	// ListLogs returns entries for a job with id > sinceID in ascending id
	// order, capped at limit.
	ListLogs(ctx context.Context, jobID string, sinceID int64, limit int) ([]LogEntry, error)
	// LastLogID reports the highest persisted id, 0 when empty.
	LastLogID(ctx context.Context) (int64, error)
}

// NotificationStore persists derived dashboard notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, unreadOnly bool) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Fetcher executes a request and decodes the JSON response.
type Fetcher interface {
	Do(ctx context.Context, req Request) (FetchResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and notification IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
