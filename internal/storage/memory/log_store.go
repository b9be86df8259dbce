package memory

import (
	"context"
	"sync"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// LogStore is an in-memory crawl.LogStore. Entries arrive with ids assigned
// by the emitter and are kept in append order.
type LogStore struct {
	mu      sync.RWMutex
	entries []crawl.LogEntry
	lastID  int64
}

// NewLogStore constructs a LogStore.
func NewLogStore() *LogStore {
	return &LogStore{}
}

// AppendLog persists one entry.
func (s *LogStore) AppendLog(_ context.Context, entry crawl.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if entry.ID > s.lastID {
		s.lastID = entry.ID
	}
	return nil
}

// ListLogs returns entries for a job with id > sinceID in ascending id order.
func (s *LogStore) ListLogs(_ context.Context, jobID string, sinceID int64, limit int) ([]crawl.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.LogEntry
	for _, entry := range s.entries {
		if entry.JobID != jobID || entry.ID <= sinceID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LastLogID reports the highest persisted id, 0 when empty.
func (s *LogStore) LastLogID(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID, nil
}
