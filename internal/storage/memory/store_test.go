package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/schema"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()

	job := crawl.Job{
		ID:        "job-1",
		Status:    crawl.JobStatusPending,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.Error(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusPending, got.Status)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1", crawl.JobStatusRunning, ""))
	require.NoError(t, s.UpdateJobRetry(ctx, "job-1", 2))

	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, got.Status)
	require.Equal(t, 2, got.RetryCount)

	require.ErrorIs(t, s.UpdateJobStatus(ctx, "missing", crawl.JobStatusFailed, "x"), crawl.ErrNotFound)
}

func TestJobStoreListOrderingAndFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	base := time.Unix(1700000000, 0).UTC()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateJob(ctx, crawl.Job{
			ID:        id,
			Status:    crawl.JobStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.UpdateJobStatus(ctx, "b", crawl.JobStatusRunning, ""))

	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	running, err := s.ListJobsByStatus(ctx, crawl.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "b", running[0].ID)
}

func TestJobStoreCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	require.NoError(t, s.CreateJob(ctx, crawl.Job{ID: "job-1"}))

	snapshot := schema.Infer([]map[string]any{{"id": float64(1), "name": "x"}})
	spec := crawl.PaginationSpec{Type: crawl.PaginationPage, PageParam: "page", Limit: 20}
	state := crawl.PaginationState{Page: 3, PagesFetched: 2}
	require.NoError(t, s.UpdateJobCheckpoint(ctx, "job-1", 40, spec, state, snapshot))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(40), got.TotalRecords)
	require.Equal(t, spec, got.Pagination)
	require.Equal(t, state, got.State)
	require.Equal(t, 2, got.Schema.Len())

	// Stored snapshot is isolated from the caller's copy.
	require.NoError(t, snapshot.UnmarshalJSON([]byte(`{"other":"TEXT"}`)))
	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Schema.Len())
}

func TestLogStoreSinceIDAndLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLogStore()

	for i := int64(1); i <= 5; i++ {
		jobID := "job-a"
		if i%2 == 0 {
			jobID = "job-b"
		}
		require.NoError(t, s.AppendLog(ctx, crawl.LogEntry{ID: i, JobID: jobID, Message: "m"}))
	}

	last, err := s.LastLogID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), last)

	logs, err := s.ListLogs(ctx, "job-a", 1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, int64(3), logs[0].ID)
	require.Equal(t, int64(5), logs[1].ID)

	logs, err = s.ListLogs(ctx, "job-a", 0, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, int64(1), logs[0].ID)
}

func TestNotificationStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewNotificationStore()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.CreateNotification(ctx, crawl.Notification{
		ID: "n1", JobID: "job-1", Type: crawl.NotifySuccess, Message: "done", CreatedAt: base,
	}))
	require.NoError(t, s.CreateNotification(ctx, crawl.Notification{
		ID: "n2", JobID: "job-2", Type: crawl.NotifyError, Message: "failed", CreatedAt: base.Add(time.Minute),
	}))

	all, err := s.ListNotifications(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "n2", all[0].ID)
	require.Equal(t, "n1", all[1].ID)

	require.NoError(t, s.MarkNotificationRead(ctx, "n1"))
	unread, err := s.ListNotifications(ctx, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, "n2", unread[0].ID)

	require.ErrorIs(t, s.MarkNotificationRead(ctx, "missing"), crawl.ErrNotFound)
}

func TestTableStoreEnsureAndInsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTableStore()

	sm := schema.Infer([]map[string]any{{"id": float64(1), "name": "a", "score": 9.5}})
	require.NoError(t, s.EnsureSchema(ctx, "products", sm))
	// Idempotent under repeat.
	require.NoError(t, s.EnsureSchema(ctx, "products", sm))

	n, err := s.InsertBatch(ctx, "products", sm, []map[string]any{
		{"id": float64(1), "name": "a", "score": 9.5},
		{"id": float64(2), "name": "b"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	info, err := s.TableInfo(ctx, "products")
	require.NoError(t, err)
	require.Equal(t, int64(2), info.RowCount)
	require.Len(t, info.Columns, 3)

	rows, err := s.Rows(ctx, "products", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0]["name"])
	require.Nil(t, rows[1]["score"])
}

func TestTableStoreSchemaEvolution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTableStore()

	first := schema.Infer([]map[string]any{{"id": float64(1)}})
	require.NoError(t, s.EnsureSchema(ctx, "items", first))

	// A later page adds a column and widens id to REAL.
	second := schema.Infer([]map[string]any{{"id": 1.5, "tag": "x"}})
	require.NoError(t, s.EnsureSchema(ctx, "items", second))

	info, err := s.TableInfo(ctx, "items")
	require.NoError(t, err)
	require.Equal(t, []crawl.ColumnInfo{
		{Name: "id", Type: "REAL"},
		{Name: "tag", Type: "TEXT"},
	}, info.Columns)
}

func TestTableStoreNestedValuesSerialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTableStore()

	sm := schema.Infer([]map[string]any{{"id": float64(1), "tags": []any{"a", "b"}}})
	require.NoError(t, s.EnsureSchema(ctx, "posts", sm))

	_, err := s.InsertBatch(ctx, "posts", sm, []map[string]any{
		{"id": float64(1), "tags": []any{"a", "b"}},
	})
	require.NoError(t, err)

	rows, err := s.Rows(ctx, "posts", 1, 0)
	require.NoError(t, err)
	require.Equal(t, `["a","b"]`, rows[0]["tags"])
}

func TestTableStoreRowsPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewTableStore()

	sm := schema.Infer([]map[string]any{{"n": float64(0)}})
	require.NoError(t, s.EnsureSchema(ctx, "seq", sm))
	for i := 0; i < 5; i++ {
		_, err := s.InsertBatch(ctx, "seq", sm, []map[string]any{{"n": float64(i)}})
		require.NoError(t, err)
	}

	rows, err := s.Rows(ctx, "seq", 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(2), rows[0]["n"])

	rows, err = s.Rows(ctx, "seq", 10, 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = s.Rows(ctx, "missing", 1, 0)
	require.ErrorIs(t, err, crawl.ErrNotFound)
}
