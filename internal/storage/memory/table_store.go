package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/schema"
)

// TableStore is an in-memory crawl.TableStore. Rows are stored as projected
// maps keyed by sanitized column name.
type TableStore struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	schema *schema.Map
	rows   []map[string]any
}

// NewTableStore constructs a TableStore.
func NewTableStore() *TableStore {
	return &TableStore{tables: make(map[string]*table)}
}

// EnsureSchema creates the table if absent and merges the incoming schema
// into the stored one. Columns only widen, never narrow, and the operation is
// idempotent.
func (s *TableStore) EnsureSchema(_ context.Context, name string, incoming *schema.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		s.tables[name] = &table{schema: incoming.Clone()}
		return nil
	}
	merged, _ := schema.Merge(t.schema, incoming)
	t.schema = merged
	return nil
}

// InsertBatch projects each record onto the table schema and appends it.
// Fields absent from a record store as nil; nested values store serialized.
func (s *TableStore) InsertBatch(_ context.Context, name string, sm *schema.Map, records []map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return 0, fmt.Errorf("table %q does not exist", name)
	}
	for _, rec := range records {
		row := make(map[string]any, t.schema.Len())
		for _, col := range t.schema.Columns() {
			row[col.Name] = nil
		}
		for key, val := range rec {
			col := schema.SanitizeColumn(key)
			if typ, ok := t.schema.Get(col); ok {
				row[col] = normalizeValue(val, typ)
			}
		}
		t.rows = append(t.rows, row)
	}
	return len(records), nil
}

// normalizeValue serializes nested structures and stores booleans as 0/1, so
// rows hold only scalars matching their column type.
func normalizeValue(v any, typ schema.Type) any {
	switch val := v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case float64:
		if typ == schema.TypeInteger {
			return int64(val)
		}
		return val
	default:
		return v
	}
}

// ListTables returns metadata for every table, sorted by name.
func (s *TableStore) ListTables(_ context.Context) ([]crawl.TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.TableInfo, 0, len(s.tables))
	for name, t := range s.tables {
		out = append(out, tableInfo(name, t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TableInfo returns metadata for one table.
func (s *TableStore) TableInfo(_ context.Context, name string) (crawl.TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return crawl.TableInfo{}, crawl.ErrNotFound
	}
	return tableInfo(name, t), nil
}

// Rows returns a page of stored rows in insertion order.
func (s *TableStore) Rows(_ context.Context, name string, limit, offset int) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, crawl.ErrNotFound
	}
	if offset >= len(t.rows) {
		return nil, nil
	}
	end := len(t.rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]map[string]any, 0, end-offset)
	for _, row := range t.rows[offset:end] {
		copied := make(map[string]any, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out, nil
}

func tableInfo(name string, t *table) crawl.TableInfo {
	info := crawl.TableInfo{Name: name, RowCount: int64(len(t.rows))}
	for _, col := range t.schema.Columns() {
		info.Columns = append(info.Columns, crawl.ColumnInfo{Name: col.Name, Type: string(col.Type)})
	}
	return info
}
