package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want StatusClass
	}{
		{200, Status2xx},
		{201, Status2xx},
		{301, Status3xx},
		{404, Status4xx},
		{429, Status4xx},
		{500, Status5xx},
		{503, Status5xx},
		{0, StatusOther},
		{700, StatusOther},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyStatus(tc.code), "code %d", tc.code)
	}
}

func TestCollectorsUpdate(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.JobStarted()
	m.JobStarted()
	m.JobFinished("completed")
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")))

	m.ObserveFetch(200, 120*time.Millisecond)
	m.ObserveFetch(503, 40*time.Millisecond)
	m.ObserveFetchError()
	require.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("5xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("other")))

	m.AddRecords(25)
	m.AddRecords(0)
	require.Equal(t, 25.0, testutil.ToFloat64(m.recordsInserted))

	m.AddRetry()
	require.Equal(t, 1.0, testutil.ToFloat64(m.retries))
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.JobStarted()
	m.JobFinished("failed")
	m.ObserveFetch(200, time.Second)
	m.ObserveFetchError()
	m.AddRecords(10)
	m.AddRetry()
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
