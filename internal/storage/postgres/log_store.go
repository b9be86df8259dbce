package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// LogStore persists the append-only crawl log in the crawl_logs table. Ids
// are assigned by the emitter, not the database, so restarts keep the
// process-wide ordering.
type LogStore struct {
	db DB
}

// NewLogStore constructs a LogStore on an open pool.
func NewLogStore(db DB) *LogStore {
	return &LogStore{db: db}
}

// AppendLog inserts one entry.
func (s *LogStore) AppendLog(ctx context.Context, entry crawl.LogEntry) error {
	var detailsJSON []byte
	if len(entry.Details) > 0 {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal log details: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO crawl_logs (id, job_id, level, message, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.JobID, string(entry.Level), entry.Message, detailsJSON, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// ListLogs returns entries for a job with id > sinceID in ascending id order.
func (s *LogStore) ListLogs(ctx context.Context, jobID string, sinceID int64, limit int) ([]crawl.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, job_id, level, message, details, created_at
		FROM crawl_logs WHERE job_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		jobID, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []crawl.LogEntry
	for rows.Next() {
		var (
			entry       crawl.LogEntry
			level       string
			detailsJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &level, &entry.Message, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Level = crawl.LogLevel(level)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal log details: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// LastLogID reports the highest persisted id, 0 when empty.
func (s *LogStore) LastLogID(ctx context.Context) (int64, error) {
	var last int64
	row := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM crawl_logs`)
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("select last log id: %w", err)
	}
	return last, nil
}
