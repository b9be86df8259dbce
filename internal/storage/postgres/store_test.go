package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/schema"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)

	now := time.Unix(1700000000, 0).UTC()
	job := crawl.Job{
		ID: "0191-job",
		Config: crawl.JobConfig{
			CurlCommand:   "curl https://api.example.com/items",
			TableName:     "items",
			StartInterval: 60,
			EndInterval:   120,
		},
		Status:     crawl.JobStatusPending,
		Pagination: crawl.PaginationSpec{Type: crawl.PaginationPage, PageParam: "page", Limit: 20},
		State:      crawl.PaginationState{Page: 1},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	configJSON, err := json.Marshal(job.Config)
	require.NoError(t, err)
	paginationJSON, err := json.Marshal(job.Pagination)
	require.NoError(t, err)
	stateJSON, err := json.Marshal(job.State)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO crawl_jobs`).
		WithArgs(
			job.ID, configJSON, "pending", paginationJSON, stateJSON, []byte(nil),
			int64(0), 0, "", now, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)

	mock.ExpectQuery(`SELECT .+ FROM crawl_jobs WHERE id`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "config", "status", "pagination", "state", "schema_map",
			"total_records", "retry_count", "error_message", "created_at", "updated_at",
		}))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRoundTrip(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)

	now := time.Unix(1700000000, 0).UTC()
	configJSON := []byte(`{"curl_command":"curl https://x.example","table_name":"x","start_interval":30,"end_interval":60,"randomize_interval":true}`)
	paginationJSON := []byte(`{"type":"cursor","cursor_param":"cursor","cursor_field":"next_cursor","limit":20}`)
	stateJSON := []byte(`{"page":1,"offset":0,"cursor":"tok","pages_fetched":3}`)
	schemaJSON := []byte(`{"id":"INTEGER","name":"TEXT"}`)

	mock.ExpectQuery(`SELECT .+ FROM crawl_jobs WHERE id`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "config", "status", "pagination", "state", "schema_map",
			"total_records", "retry_count", "error_message", "created_at", "updated_at",
		}).AddRow(
			"job-1", configJSON, "running", paginationJSON, stateJSON, schemaJSON,
			int64(60), 1, "", now, now,
		))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, job.Status)
	require.Equal(t, crawl.PaginationCursor, job.Pagination.Type)
	require.Equal(t, "tok", job.State.Cursor)
	require.Equal(t, 3, job.State.PagesFetched)
	require.Equal(t, int64(60), job.TotalRecords)

	// Ordered schema snapshot survives the round trip.
	require.Equal(t, []schema.Column{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "name", Type: schema.TypeText},
	}, job.Schema.Columns())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)

	mock.ExpectExec(`UPDATE crawl_jobs SET status`).
		WithArgs("missing", "failed", "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJobStatus(context.Background(), "missing", crawl.JobStatusFailed, "boom")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobCheckpoint(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)

	snapshot := schema.NewMap()
	require.NoError(t, json.Unmarshal([]byte(`{"id":"INTEGER"}`), snapshot))
	spec := crawl.PaginationSpec{Type: crawl.PaginationPage, PageParam: "page", Limit: 20}
	state := crawl.PaginationState{Page: 5, PagesFetched: 4}
	specJSON, err := json.Marshal(spec)
	require.NoError(t, err)
	stateJSON, err := json.Marshal(state)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE crawl_jobs SET total_records`).
		WithArgs("job-1", int64(80), specJSON, stateJSON, []byte(`{"id":"INTEGER"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateJobCheckpoint(context.Background(), "job-1", 80, spec, state, snapshot))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndListLogs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewLogStore(mock)

	now := time.Unix(1700000000, 0).UTC()
	entry := crawl.LogEntry{
		ID:        7,
		JobID:     "job-1",
		Level:     crawl.LevelSuccess,
		Message:   "page stored",
		Details:   map[string]any{"records": 20},
		CreatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO crawl_logs`).
		WithArgs(entry.ID, entry.JobID, "success", entry.Message, []byte(`{"records":20}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.AppendLog(context.Background(), entry))

	mock.ExpectQuery(`SELECT id, job_id, level, message, details, created_at`).
		WithArgs("job-1", int64(5), 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "job_id", "level", "message", "details", "created_at"}).
			AddRow(int64(7), "job-1", "success", "page stored", []byte(`{"records":20}`), now))

	logs, err := store.ListLogs(context.Background(), "job-1", 5, 50)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, int64(7), logs[0].ID)
	require.Equal(t, crawl.LevelSuccess, logs[0].Level)
	require.Equal(t, float64(20), logs[0].Details["records"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastLogID(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewLogStore(mock)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM crawl_logs`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(42)))

	last, err := store.LastLogID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), last)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationLifecycle(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewNotificationStore(mock)

	now := time.Unix(1700000000, 0).UTC()
	n := crawl.Notification{
		ID:        "n-1",
		JobID:     "job-1",
		Type:      crawl.NotifyError,
		Message:   "crawl failed",
		CreatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO notifications`).
		WithArgs(n.ID, n.JobID, "error", n.Message, false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateNotification(context.Background(), n))

	mock.ExpectQuery(`SELECT id, job_id, type, message, read, created_at FROM notifications WHERE read = FALSE`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "job_id", "type", "message", "read", "created_at"}).
			AddRow("n-1", "job-1", "error", "crawl failed", false, now))

	unread, err := store.ListNotifications(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, crawl.NotifyError, unread[0].Type)

	mock.ExpectExec(`UPDATE notifications SET read = TRUE`).
		WithArgs("n-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkNotificationRead(context.Background(), "n-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesAndWidens(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTableStore(mock)

	sm := schema.NewMap()
	require.NoError(t, json.Unmarshal([]byte(`{"id":"REAL","name":"TEXT"}`), sm))

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "items"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	// id exists as BIGINT and must widen to DOUBLE PRECISION; name is new.
	mock.ExpectQuery(`SELECT column_name, data_type FROM information_schema.columns`).
		WithArgs("items").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("_id", "bigint").
			AddRow("_crawled_at", "timestamp with time zone").
			AddRow("id", "bigint"))
	mock.ExpectExec(`ALTER TABLE "items" ALTER COLUMN "id" TYPE DOUBLE PRECISION`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`ALTER TABLE "items" ADD COLUMN IF NOT EXISTS "name" TEXT`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	require.NoError(t, store.EnsureSchema(context.Background(), "items", sm))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaRejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTableStore(mock)

	sm := schema.NewMap()
	require.Error(t, store.EnsureSchema(context.Background(), `items; drop table x`, sm))

	_, err := store.InsertBatch(context.Background(), `bad"name`, sm, []map[string]any{{"a": 1}})
	require.Error(t, err)

	_, err = store.Rows(context.Background(), "1starts_with_digit", 10, 0)
	require.Error(t, err)
}

func TestInsertBatchProjectsRecords(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTableStore(mock)

	sm := schema.NewMap()
	require.NoError(t, json.Unmarshal([]byte(`{"id":"INTEGER","tags":"TEXT"}`), sm))

	mock.ExpectExec(`INSERT INTO "items" \("id","tags"\) VALUES \(\$1,\$2\),\(\$3,\$4\)`).
		WithArgs(int64(1), `["a","b"]`, int64(2), nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := store.InsertBatch(context.Background(), "items", sm, []map[string]any{
		{"id": float64(1), "tags": []any{"a", "b"}},
		{"id": float64(2)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableInfoAndRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTableStore(mock)

	mock.ExpectQuery(`SELECT column_name, data_type FROM information_schema.columns`).
		WithArgs("items").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("_id", "bigint").
			AddRow("_crawled_at", "timestamp with time zone").
			AddRow("id", "bigint").
			AddRow("name", "text"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "items"`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	info, err := store.TableInfo(context.Background(), "items")
	require.NoError(t, err)
	require.Equal(t, int64(3), info.RowCount)
	require.Len(t, info.Columns, 4)
	require.Equal(t, crawl.ColumnInfo{Name: "id", Type: "INTEGER"}, info.Columns[2])

	mock.ExpectQuery(`SELECT \* FROM "items" ORDER BY _id ASC`).
		WithArgs(2, 0).
		WillReturnRows(pgxmock.NewRows([]string{"_id", "id", "name"}).
			AddRow(int64(1), int64(10), "a").
			AddRow(int64(2), int64(11), "b"))

	rows, err := store.Rows(context.Background(), "items", 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(10), rows[0]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableInfoNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTableStore(mock)

	mock.ExpectQuery(`SELECT column_name, data_type FROM information_schema.columns`).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type"}))

	_, err := store.TableInfo(context.Background(), "ghost")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsAllStatements(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for _, pattern := range []string{
		`CREATE TABLE IF NOT EXISTS crawl_jobs`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_jobs_status`,
		`CREATE TABLE IF NOT EXISTS crawl_logs`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_logs_job`,
		`CREATE TABLE IF NOT EXISTS notifications`,
	} {
		mock.ExpectExec(pattern).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
