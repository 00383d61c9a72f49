package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

type listCall struct {
	project string
	n       int
}

type fakeLister struct {
	runs  []state.Run
	err   error
	calls []listCall
}

func (f *fakeLister) LastRuns(_ context.Context, projectID string, n int) ([]state.Run, error) {
	f.calls = append(f.calls, listCall{project: projectID, n: n})
	if f.err != nil {
		return nil, f.err
	}
	return f.runs, nil
}

func newTestServer(t *testing.T, lister RunLister) *Server {
	t.Helper()
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", Version: "test"}, lister)
	require.NoError(t, err)
	return srv
}

func get(srv *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer(Config{}, &fakeLister{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))

	_, err = NewServer(Config{Addr: "127.0.0.1:0"}, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, &fakeLister{})

	rec := get(srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestHandleRuns(t *testing.T) {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lister := &fakeLister{runs: []state.Run{
		{
			ID:        8,
			ProjectID: "demo",
			StartedAt: started.Add(time.Hour),
			RunCounters: state.RunCounters{
				Seen: 4, New: 1, Unchanged: 3, ChunksWritten: 12,
			},
		},
		{
			ID:          7,
			ProjectID:   "demo",
			StartedAt:   started,
			RunCounters: state.RunCounters{Seen: 4, New: 4, ChunksWritten: 40},
		},
	}}
	srv := newTestServer(t, lister)

	rec := get(srv, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, int64(8), resp.Runs[0].ID)
	assert.Equal(t, 12, resp.Runs[0].ChunksWritten)
	assert.Equal(t, "demo", resp.Runs[1].ProjectID)

	require.Len(t, lister.calls, 1)
	assert.Equal(t, listCall{project: "", n: DefaultRunLimit}, lister.calls[0])
}

func TestHandleRunsQueryParams(t *testing.T) {
	lister := &fakeLister{}
	srv := newTestServer(t, lister)

	rec := get(srv, "/runs?project=demo&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, lister.calls, 1)
	assert.Equal(t, listCall{project: "demo", n: 5}, lister.calls[0])

	rec = get(srv, "/runs?limit=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MaxRunLimit, lister.calls[1].n)

	rec = get(srv, "/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(srv, "/runs?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, lister.calls, 2)
}

func TestHandleRunsEmptyHistory(t *testing.T) {
	srv := newTestServer(t, &fakeLister{})

	rec := get(srv, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runs":[]`)
}

func TestHandleRunsStoreError(t *testing.T) {
	lister := &fakeLister{err: errkind.New(errkind.State, "state: database is closed")}
	srv := newTestServer(t, lister)

	rec := get(srv, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	RecordRun("metrics-demo", &state.RunCounters{
		Seen: 5, New: 2, Updated: 1, Unchanged: 2,
		ChunksWritten: 30, EmbeddingsMade: 28,
	}, 3*time.Second, nil)

	srv := newTestServer(t, &fakeLister{})

	rec := get(srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "qloader_ingest_documents_processed_total")
	assert.Contains(t, body, "qloader_ingest_chunks_written_total")
	assert.Contains(t, body, "qloader_ingest_runs_total")
}

func TestRecordRun(t *testing.T) {
	counters := &state.RunCounters{
		Seen: 10, New: 3, Updated: 2, Unchanged: 4, Failed: 1,
		ChunksWritten: 55, EmbeddingsMade: 50,
	}
	RecordRun("record-demo", counters, 42*time.Second, nil)

	assert.Equal(t, float64(10), testutil.ToFloat64(DocumentsSeen.WithLabelValues("record-demo")))
	assert.Equal(t, float64(3), testutil.ToFloat64(DocumentsProcessed.WithLabelValues("record-demo", "new")))
	assert.Equal(t, float64(1), testutil.ToFloat64(DocumentsProcessed.WithLabelValues("record-demo", "failed")))
	assert.Equal(t, float64(55), testutil.ToFloat64(ChunksWritten.WithLabelValues("record-demo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RunsTotal.WithLabelValues("record-demo", "completed")))

	RecordRun("record-demo", nil, time.Second, errkind.New(errkind.Transient, "qdrant unreachable"))
	assert.Equal(t, float64(1), testutil.ToFloat64(RunsTotal.WithLabelValues("record-demo", "failed")))
	// A failed run without counters leaves the document metrics alone.
	assert.Equal(t, float64(10), testutil.ToFloat64(DocumentsSeen.WithLabelValues("record-demo")))
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t, &fakeLister{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
