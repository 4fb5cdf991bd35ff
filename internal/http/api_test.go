package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/model"
	"blast/internal/storage"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &API{Store: store, Log: zerolog.Nop()}
}

func getWithParam(handler http.HandlerFunc, key, val string) *httptest.ResponseRecorder {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, val)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestRunResultsUnknownRun(t *testing.T) {
	a := newTestAPI(t)

	rec := getWithParam(a.handleRunResults, "runID", "no-such-run")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunResultsKnownRun(t *testing.T) {
	a := newTestAPI(t)
	id, err := a.Store.CreateAccount("a", "", true)
	require.NoError(t, err)

	started := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, a.Store.SaveRun(&model.Run{
		ID:        "run-1",
		AccountID: id,
		Status:    model.RunStatusCompleted,
		Total:     1,
		Sent:      1,
		StartedAt: started,
		Results: []model.Result{
			{Address: "628111@s.whatsapp.net", Status: model.ResultStatusSuccess, TS: started},
		},
	}))

	rec := getWithParam(a.handleRunResults, "runID", "run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "628111@s.whatsapp.net")
}
