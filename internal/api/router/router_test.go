package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matreco/queue-service/internal/api/dto"
	"github.com/matreco/queue-service/internal/api/handler"
	"github.com/matreco/queue-service/internal/broker"
	"github.com/matreco/queue-service/internal/queue"
	"github.com/matreco/queue-service/internal/queues/docproc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router  *gin.Engine
	adapter *docproc.Adapter
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := broker.New(discardLogger())
	t.Cleanup(func() { bus.Close() })

	adapter := docproc.New(queue.NewMemoryStore[docproc.Payload, docproc.Result](), bus, discardLogger(), 3)

	deps := &handler.Dependencies{
		Logger: discardLogger(),
		Queues: []queue.AdminQueue{queue.NewAdmin(adapter)},
	}

	return &testEnv{router: SetupRouter(deps), adapter: adapter}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

const validCreateBody = `{"payload":{"document_id":"doc-1","file_ref":"s3://b/doc-1.pdf","mime_type":"application/pdf"}}`

func (e *testEnv) createJob(t *testing.T) queue.JobView {
	t.Helper()

	w := e.do(t, http.MethodPost, "/api/v1/queues/docproc/jobs", validCreateBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view queue.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestCreateJobEndpoint(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		env := setupTestRouter(t)

		view := env.createJob(t)
		assert.Equal(t, "docproc", view.Queue)
		assert.Equal(t, queue.StatusWaiting, view.Status)
		assert.NotEmpty(t, view.ID)
	})

	t.Run("validation failure returns 400", func(t *testing.T) {
		env := setupTestRouter(t)

		body := `{"payload":{"document_id":"","file_ref":"x","mime_type":"application/pdf"}}`
		w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/jobs", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown queue returns 404", func(t *testing.T) {
		env := setupTestRouter(t)

		w := env.do(t, http.MethodPost, "/api/v1/queues/nope/jobs", validCreateBody)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetJobEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	view := env.createJob(t)

	t.Run("found", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs/"+view.ID, "")
		require.Equal(t, http.StatusOK, w.Code)

		var got queue.JobView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, view.ID, got.ID)
	})

	t.Run("unknown id returns 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs/0b938c34-59a4-4b7b-9c9f-1c17e1a4e906", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id returns 400", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListJobsEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	for i := 0; i < 3; i++ {
		env.createJob(t)
	}

	t.Run("pagination and total", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs?page_size=2", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Total)
		assert.Len(t, resp.Jobs, 2)
		assert.Equal(t, 2, resp.Limit)
	})

	t.Run("status filter", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs?status=completed", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Zero(t, resp.Total)
	})

	t.Run("unknown status returns 400", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs?status=sleeping", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown sort returns 400", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/jobs?sort=alphabetical", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCancelJobEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	view := env.createJob(t)

	w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/jobs/"+view.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got queue.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, queue.StatusCanceled, got.Status)

	// Terminal jobs cannot be canceled again.
	w = env.do(t, http.MethodPost, "/api/v1/queues/docproc/jobs/"+view.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryJobEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	ctx := context.Background()
	view := env.createJob(t)

	t.Run("retry non-failed returns 409", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/jobs/"+view.ID+"/retry", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("retry failed job", func(t *testing.T) {
		claimed, err := env.adapter.ProcessNextJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		failed := queue.StatusFailed
		msg := "boom"
		_, err = env.adapter.UpdateJob(ctx, view.ID, queue.Update[docproc.Result]{Status: &failed, Error: &msg})
		require.NoError(t, err)

		w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/jobs/"+view.ID+"/retry", "")
		require.Equal(t, http.StatusOK, w.Code)

		var got queue.JobView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, queue.StatusWaiting, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	})
}

func TestDeleteJobEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	view := env.createJob(t)

	t.Run("non-terminal returns 409", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, "/api/v1/queues/docproc/jobs/"+view.ID, "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("terminal is deleted", func(t *testing.T) {
		_, err := env.adapter.CancelJob(context.Background(), view.ID)
		require.NoError(t, err)

		w := env.do(t, http.MethodDelete, "/api/v1/queues/docproc/jobs/"+view.ID, "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = env.do(t, http.MethodDelete, "/api/v1/queues/docproc/jobs/"+view.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestQueueStatsEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	env.createJob(t)
	env.createJob(t)

	w := env.do(t, http.MethodGet, "/api/v1/queues/docproc/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.WaitingCount)
	assert.NotNil(t, stats.OldestWaitingCreatedAt)
}

func TestListQueuesEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	env.createJob(t)

	w := env.do(t, http.MethodGet, "/api/v1/queues", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"docproc"`)
}

func TestSweepEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	view := env.createJob(t)

	claimed, err := env.adapter.ProcessNextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/sweep", `{"older_than":"1ns"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.SweepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Swept)

	job, err := env.adapter.GetJob(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, job.Status)

	t.Run("invalid duration returns 400", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/sweep", `{"older_than":"soon"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestClearEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	view := env.createJob(t)

	_, err := env.adapter.CancelJob(context.Background(), view.ID)
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/queues/docproc/clear", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ClearFinishedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Cleared)
}
