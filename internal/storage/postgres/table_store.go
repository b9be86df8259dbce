package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/schema"
)

// TableStore manages dynamic result tables, one per crawl target. Every table
// carries a BIGSERIAL _id and a _crawled_at timestamp alongside the inferred
// data columns.
type TableStore struct {
	db DB
}

// NewTableStore constructs a TableStore on an open pool.
func NewTableStore(db DB) *TableStore {
	return &TableStore{db: db}
}

func pgType(t schema.Type) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeReal:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func schemaType(dataType string) schema.Type {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint", "boolean":
		return schema.TypeInteger
	case "double precision", "real", "numeric":
		return schema.TypeReal
	default:
		return schema.TypeText
	}
}

// EnsureSchema creates the table if absent, adds missing columns, and widens
// existing columns whose stored type is narrower than the inferred one. It is
// idempotent and safe to repeat on every page.
func (s *TableStore) EnsureSchema(ctx context.Context, table string, sm *schema.Map) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	create := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (_id BIGSERIAL PRIMARY KEY, _crawled_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		quoteIdent(table),
	)
	if _, err := s.db.Exec(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	existing, err := s.columnTypes(ctx, table)
	if err != nil {
		return err
	}
	for _, col := range sm.Columns() {
		if !ValidIdentifier(col.Name) {
			return fmt.Errorf("invalid column name %q", col.Name)
		}
		current, ok := existing[col.Name]
		if !ok {
			alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
				quoteIdent(table), quoteIdent(col.Name), pgType(col.Type))
			if _, err := s.db.Exec(ctx, alter); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.Name, err)
			}
			continue
		}
		if widened := schema.Widen(current, col.Type); widened != current {
			alter := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`,
				quoteIdent(table), quoteIdent(col.Name), pgType(widened), quoteIdent(col.Name), pgType(widened))
			if _, err := s.db.Exec(ctx, alter); err != nil {
				return fmt.Errorf("widen column %s.%s: %w", table, col.Name, err)
			}
		}
	}
	return nil
}

// InsertBatch appends records in one multi-row insert. Fields absent from a
// record insert as NULL; nested values insert serialized.
func (s *TableStore) InsertBatch(ctx context.Context, table string, sm *schema.Map, records []map[string]any) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if !ValidIdentifier(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	cols := sm.Columns()
	if len(cols) == 0 {
		return 0, fmt.Errorf("no columns for table %q", table)
	}

	names := make([]string, 0, len(cols))
	for _, col := range cols {
		if !ValidIdentifier(col.Name) {
			return 0, fmt.Errorf("invalid column name %q", col.Name)
		}
		names = append(names, quoteIdent(col.Name))
	}

	var (
		placeholders []string
		args         []any
	)
	for _, rec := range records {
		projected := projectRecord(rec, sm)
		marks := make([]string, 0, len(cols))
		for _, col := range cols {
			args = append(args, projected[col.Name])
			marks = append(marks, fmt.Sprintf("$%d", len(args)))
		}
		placeholders = append(placeholders, "("+strings.Join(marks, ",")+")")
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s`,
		quoteIdent(table), strings.Join(names, ","), strings.Join(placeholders, ","))
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return len(records), nil
}

// ListTables returns metadata for every dynamic table, identified by the
// _crawled_at marker column.
func (s *TableStore) ListTables(ctx context.Context) ([]crawl.TableInfo, error) {
	rows, err := s.db.Query(ctx,
		`SELECT table_name FROM information_schema.columns
		WHERE table_schema = 'public' AND column_name = '_crawled_at'
		ORDER BY table_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	out := make([]crawl.TableInfo, 0, len(names))
	for _, name := range names {
		info, err := s.TableInfo(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// TableInfo returns column metadata and the row count for one table.
func (s *TableStore) TableInfo(ctx context.Context, table string) (crawl.TableInfo, error) {
	if !ValidIdentifier(table) {
		return crawl.TableInfo{}, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := s.db.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return crawl.TableInfo{}, fmt.Errorf("describe table %s: %w", table, err)
	}
	info := crawl.TableInfo{Name: table}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			rows.Close()
			return crawl.TableInfo{}, fmt.Errorf("scan column: %w", err)
		}
		info.Columns = append(info.Columns, crawl.ColumnInfo{
			Name: name,
			Type: string(schemaType(dataType)),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawl.TableInfo{}, fmt.Errorf("iterate columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return crawl.TableInfo{}, crawl.ErrNotFound
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table)))
	if err := row.Scan(&info.RowCount); err != nil {
		return crawl.TableInfo{}, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return info, nil
}

// Rows returns a page of rows in insertion order, keyed by column name.
func (s *TableStore) Rows(ctx context.Context, table string, limit, offset int) ([]map[string]any, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY _id ASC LIMIT $1 OFFSET $2`, quoteIdent(table))
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select rows from %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// columnTypes reads the current data columns of a table.
func (s *TableStore) columnTypes(ctx context.Context, table string) (map[string]schema.Type, error) {
	rows, err := s.db.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]schema.Type{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out[name] = schemaType(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return out, nil
}

// projectRecord maps raw record fields onto sanitized column names, coercing
// each value to the column's stored type.
func projectRecord(rec map[string]any, sm *schema.Map) map[string]any {
	out := make(map[string]any, sm.Len())
	for key, val := range rec {
		col := schema.SanitizeColumn(key)
		t, ok := sm.Get(col)
		if !ok {
			continue
		}
		out[col] = coerceValue(val, t)
	}
	return out
}

// coerceValue converts a decoded JSON value to the shape the column type
// stores: booleans become 0/1, whole numbers become integers, and anything
// bound for a TEXT column is rendered as a string.
func coerceValue(val any, t schema.Type) any {
	if val == nil {
		return nil
	}
	switch v := val.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	case bool:
		n := int64(0)
		if v {
			n = 1
		}
		if t == schema.TypeText {
			return strconv.FormatInt(n, 10)
		}
		return n
	case float64:
		switch t {
		case schema.TypeInteger:
			return int64(v)
		case schema.TypeReal:
			return v
		default:
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
	case string:
		return v
	default:
		if t == schema.TypeText {
			return fmt.Sprintf("%v", v)
		}
		return v
	}
}
