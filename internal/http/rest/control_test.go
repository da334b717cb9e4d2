package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/obb_downloader/internal/downloader"
	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/notifier"
	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockScheduler struct {
	triggers       atomic.Int32
	networkChanges atomic.Int32
	wakeAt         time.Time
}

func (m *mockScheduler) Trigger() { m.triggers.Add(1) }

func (m *mockScheduler) NetworkChanged() { m.networkChanges.Add(1) }

func (m *mockScheduler) WakeAt() time.Time { return m.wakeAt }

type testAPI struct {
	handler   http.Handler
	store     *storagetest.MemStore
	control   *downloader.Control
	monitor   *netgate.Monitor
	scheduler *mockScheduler
	status    *notifier.Recorder
}

func newTestAPI(t *testing.T, username, password string, records ...*storage.DownloadRecord) *testAPI {
	t.Helper()

	api := &testAPI{
		store:     storagetest.NewMemStore(records...),
		control:   &downloader.Control{},
		monitor:   netgate.NewMonitor(netgate.Snapshot{Connected: true, WifiEnabled: true}, false, 0),
		scheduler: &mockScheduler{},
		status:    notifier.NewRecorder(),
	}

	h := NewControlHandler(username, password, api.store, api.control, api.monitor, api.scheduler, api.status, nil)
	api.handler = h.Routes()

	return api
}

func (a *testAPI) do(method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, m := range mutate {
		m(req)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	return rec
}

func TestBasicAuth(t *testing.T) {
	api := newTestAPI(t, "admin", "secret")

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{name: "missing", mutate: func(*http.Request) {}, want: http.StatusUnauthorized},
		{name: "wrong password", mutate: func(r *http.Request) { r.SetBasicAuth("admin", "nope") }, want: http.StatusUnauthorized},
		{name: "valid", mutate: func(r *http.Request) { r.SetBasicAuth("admin", "secret") }, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodGet, "/v1/status", "", tt.mutate)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Metrics stay reachable for scrapers; telemetry is disabled here.
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/metrics", "").Code)
}

func TestHandleStatus(t *testing.T) {
	api := newTestAPI(t, "", "")
	api.status.StateChanged(context.Background(), notifier.Downloading)
	api.status.ProgressChanged(context.Background(), notifier.Progress{OverallTotal: 100, OverallProgress: 40, TimeRemaining: time.Second})
	api.scheduler.wakeAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api.control.Pause()

	rec := api.do(http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "downloading", body["state"])
	assert.Equal(t, true, body["paused"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["wake_at"])
	assert.Equal(t, false, body["cellular_allowed"])
	assert.Equal(t, map[string]any{
		"overall_total": float64(100), "overall_progress": float64(40),
		"time_remaining": float64(time.Second), "current_speed": float64(0),
	}, body["progress"])
}

func TestHandleDownloads(t *testing.T) {
	failing := storage.NewDownloadRecord(1, "patch.obb")
	failing.Status = storage.StatusWaitingToRetry
	failing.FailedCount = 1
	failing.RetryAfter = time.Hour
	failing.LastModified = time.Now()

	done := storage.NewDownloadRecord(0, "main.obb")
	done.Status = storage.StatusSuccess
	done.TotalBytes = 10
	done.CurrentBytes = 10

	api := newTestAPI(t, "", "", failing, done)

	rec := api.do(http.MethodGet, "/v1/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []DownloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)

	assert.Equal(t, "main.obb", body[0].FileName)
	assert.Equal(t, "success", body[0].Status)
	assert.Equal(t, 200, body[0].StatusCode)
	assert.Nil(t, body[0].RestartAt)

	assert.Equal(t, "waiting_to_retry", body[1].Status)
	require.NotNil(t, body[1].RestartAt)
	assert.WithinDuration(t, failing.LastModified.Add(time.Hour), *body[1].RestartAt, time.Second)
}

func TestControlEndpoints(t *testing.T) {
	api := newTestAPI(t, "", "")

	assert.Equal(t, http.StatusAccepted, api.do(http.MethodPost, "/v1/pause", "").Code)
	status, stop := api.control.StopRequested()
	assert.True(t, stop)
	assert.Equal(t, storage.StatusPausedByApp, status)

	assert.Equal(t, http.StatusAccepted, api.do(http.MethodPost, "/v1/cancel", "").Code)
	status, _ = api.control.StopRequested()
	assert.Equal(t, storage.StatusCanceled, status)

	assert.Equal(t, http.StatusAccepted, api.do(http.MethodPost, "/v1/resume", "").Code)
	_, stop = api.control.StopRequested()
	assert.False(t, stop)
	assert.Equal(t, int32(1), api.scheduler.triggers.Load())

	assert.Equal(t, http.StatusMethodNotAllowed, api.do(http.MethodGet, "/v1/pause", "").Code)
}

func TestHandleNetwork(t *testing.T) {
	api := newTestAPI(t, "", "")

	same := `{"connected":true,"wifi_enabled":true}`
	rec := api.do(http.MethodPut, "/v1/network", same)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":false}`, rec.Body.String())
	assert.Zero(t, api.scheduler.networkChanges.Load())

	rec = api.do(http.MethodPut, "/v1/network", `{"connected":true,"cellular":true,"at_least_3g":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":true}`, rec.Body.String())
	assert.Equal(t, int32(1), api.scheduler.networkChanges.Load())
	assert.Equal(t, netgate.TypeDisallowedByRequestor, api.monitor.Check(-1))

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, "/v1/network", `{"connected":"yes"}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, "/v1/network", `{"bogus":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, "/v1/network", ``).Code)
}

func TestHandleCellular(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t, "", "")
	require.NoError(t, api.store.UpdateMetadata(ctx, storage.Metadata{VersionCode: 7}))

	rec := api.do(http.MethodPut, "/v1/settings/cellular", `{"allowed":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	md, err := api.store.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, md.CellularAllowed())
	assert.Equal(t, 7, md.VersionCode)
	assert.True(t, api.monitor.CellularAllowed())
	assert.Equal(t, int32(1), api.scheduler.triggers.Load())

	rec = api.do(http.MethodPut, "/v1/settings/cellular", `{"allowed":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	md, err = api.store.Metadata(ctx)
	require.NoError(t, err)
	assert.False(t, md.CellularAllowed())
	assert.False(t, api.monitor.CellularAllowed())
	assert.Equal(t, int32(1), api.scheduler.triggers.Load())

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, "/v1/settings/cellular", `{}`).Code)
}
