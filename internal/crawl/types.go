// Package crawl defines core types shared across subsystems.
package crawl

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apicrawl/apicrawl/internal/schema"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusStopped   JobStatus = "stopped"
)

// IsTerminal reports whether no further transitions can follow the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	default:
		return false
	}
}

// Header is a single request header. Order is preserved and duplicate names
// append rather than replace.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is a parsed request descriptor. Immutable once parsed.
type Request struct {
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
	Body    string   `json:"body,omitempty"`
	Cookies []Header `json:"cookies,omitempty"`
}

// HeaderValues returns all values recorded for a header, case-insensitively.
func (r Request) HeaderValues(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// PaginationType classifies how an API advances through result pages.
type PaginationType string

// Supported pagination contracts, in detection precedence order.
const (
	PaginationCursor PaginationType = "cursor"
	PaginationPage   PaginationType = "page"
	PaginationOffset PaginationType = "offset"
	PaginationNone   PaginationType = "none"
)

// PaginationSpec is the detected contract plus the parameter and field names
// needed to build the next request. Detection runs once; the spec is stored on
// the job and never re-evaluated per page.
type PaginationSpec struct {
	Type PaginationType `json:"type"`

	PageParam   string `json:"page_param,omitempty"`
	OffsetParam string `json:"offset_param,omitempty"`
	LimitParam  string `json:"limit_param,omitempty"`
	CursorParam string `json:"cursor_param,omitempty"`

	// CursorField is a dot path into the response that yields the next
	// continuation token; NextURLField names a field carrying a full next-page
	// URL (HAL / JSON:API style links).
	CursorField  string `json:"cursor_field,omitempty"`
	NextURLField string `json:"next_url_field,omitempty"`

	TotalPagesField string `json:"total_pages_field,omitempty"`
	HasMoreField    string `json:"has_more_field,omitempty"`

	// Limit is the page size observed on the sample request; used for
	// short-page termination of offset crawls.
	Limit int `json:"limit,omitempty"`
}

// PaginationState is the resumable position within a paginated crawl. The
// position only advances forward.
type PaginationState struct {
	Page         int    `json:"page"`
	Offset       int    `json:"offset"`
	Cursor       string `json:"cursor,omitempty"`
	NextURL      string `json:"next_url,omitempty"`
	PagesFetched int    `json:"pages_fetched"`
}

// JobConfig is the operator-supplied configuration for a crawl job.
type JobConfig struct {
	CurlCommand       string     `json:"curl_command"`
	TableName         string     `json:"table_name"`
	StartInterval     int        `json:"start_interval"`
	EndInterval       int        `json:"end_interval"`
	RandomizeInterval bool       `json:"randomize_interval"`
	MaxPages          int        `json:"max_pages,omitempty"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
}

// Validate rejects configurations before any Job is created.
func (c JobConfig) Validate() error {
	if c.CurlCommand == "" {
		return errors.New("curl_command is required")
	}
	if c.TableName == "" {
		return errors.New("table_name is required")
	}
	if c.StartInterval < 1 {
		return errors.New("start_interval must be >= 1")
	}
	if c.EndInterval < c.StartInterval {
		return fmt.Errorf("end_interval %d must be >= start_interval %d", c.EndInterval, c.StartInterval)
	}
	if c.MaxPages < 0 {
		return errors.New("max_pages must be > 0 when set")
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return errors.New("end_date must not precede start_date")
	}
	return nil
}

// Job is the persisted record for one crawl. Pagination spec, position, and
// schema snapshot together form the checkpoint needed to resume without
// re-running detection or inference.
type Job struct {
	ID           string          `json:"id"`
	Config       JobConfig       `json:"config"`
	Status       JobStatus       `json:"status"`
	Pagination   PaginationSpec  `json:"pagination"`
	State        PaginationState `json:"state"`
	Schema       *schema.Map     `json:"schema,omitempty"`
	TotalRecords int64           `json:"total_records"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LogLevel grades log entries for the dashboard console.
type LogLevel string

// Supported log levels.
const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one append-only crawl log record. IDs are strictly increasing
// process-wide, so since_id cursors stay consistent across jobs.
type LogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationType is the coarse severity of a derived notification.
type NotificationType string

// Supported notification types.
const (
	NotifyInfo    NotificationType = "info"
	NotifySuccess NotificationType = "success"
	NotifyError   NotificationType = "error"
)

// Notification is a dashboard alert derived from job-terminal events.
type Notification struct {
	ID        string           `json:"id"`
	JobID     string           `json:"job_id"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// ColumnInfo describes one stored column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableInfo is metadata about one dynamic table.
type TableInfo struct {
	Name     string       `json:"name"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount int64        `json:"row_count"`
}

// FetchResult is a completed JSON fetch.
type FetchResult struct {
	StatusCode int
	Body       any
	Raw        []byte
	Duration   time.Duration
}

// TestResponse is the sample response returned by the validation call.
type TestResponse struct {
	StatusCode int `json:"status_code"`
	Data       any `json:"data"`
}

// ValidationResult is returned by the validation operation. No Job is created.
type ValidationResult struct {
	IsValid            bool            `json:"is_valid"`
	Error              string          `json:"error,omitempty"`
	ParsedRequest      *Request        `json:"parsed_request,omitempty"`
	DetectedPagination *PaginationSpec `json:"detected_pagination,omitempty"`
	TestResponse       *TestResponse   `json:"test_response,omitempty"`
	InferredSchema     *schema.Map     `json:"inferred_schema,omitempty"`
}
