package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/chatops-gateway/internal/storage"
	"github.com/tjfontaine/chatops-gateway/internal/storage/memory"
)

func runsRouter(t *testing.T, lister RunLister) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/healthz", Healthz)
	r.Route("/runs", NewRunsHandler(lister, nil).Routes)
	return r
}

func seedRuns(t *testing.T, n int) *memory.Store {
	t.Helper()
	store := memory.New()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, store.RecordStart(context.Background(), &storage.Run{
			ID:        fmt.Sprintf("run-%d", i),
			Action:    "sample-lambda/submit",
			Phase:     "running",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return store
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRuns_List(t *testing.T) {
	h := runsRouter(t, seedRuns(t, 3))

	rec := get(t, h, "/runs/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []storage.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 3)
	assert.Equal(t, "run-2", body.Runs[0].ID, "newest first")
}

func TestRuns_ListLimit(t *testing.T) {
	h := runsRouter(t, seedRuns(t, 5))

	rec := get(t, h, "/runs/?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []storage.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 2)

	for _, bad := range []string{"0", "-1", "many"} {
		rec := get(t, h, "/runs/?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestRuns_ListEmpty(t *testing.T) {
	rec := get(t, runsRouter(t, memory.New()), "/runs/")
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestRuns_Get(t *testing.T) {
	h := runsRouter(t, seedRuns(t, 1))

	rec := get(t, h, "/runs/run-0")
	require.Equal(t, http.StatusOK, rec.Code)
	var run storage.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "sample-lambda/submit", run.Action)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/runs/nope").Code)
}

type brokenLister struct{}

func (brokenLister) ListRuns(context.Context, int) ([]*storage.Run, error) {
	return nil, errors.New("database is locked")
}

func (brokenLister) GetRun(context.Context, string) (*storage.Run, error) {
	return nil, errors.New("database is locked")
}

func TestRuns_StoreErrors(t *testing.T) {
	h := runsRouter(t, brokenLister{})
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/runs/").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/runs/x").Code)
}

func TestHealthz(t *testing.T) {
	rec := get(t, runsRouter(t, memory.New()), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
