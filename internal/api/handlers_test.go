package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/scanwatch/rdio-monitor/internal/audio"
	"github.com/scanwatch/rdio-monitor/internal/config"
	"github.com/scanwatch/rdio-monitor/internal/monitor"
	"github.com/scanwatch/rdio-monitor/internal/scanner"
	"github.com/scanwatch/rdio-monitor/internal/storage/sqlite"
	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

type apiFixture struct {
	router *Router
	store  *sqlite.CallStore
}

// newAPIFixture builds a router over a real store and a fake upstream
// scanner API so the live health check has something to probe.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(upstream.Close)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), 1, 1)
	require.NoError(t, err)
	store, err := sqlite.NewCallStore(db, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client, err := scanner.NewClient(upstream.URL, "/api/calls", "", "rdio-monitor-test",
		5*time.Second, 1, 10*time.Millisecond, 100, log)
	require.NoError(t, err)

	pipeline, err := audio.NewPipeline(audio.Config{
		StoragePath:     t.TempDir(),
		Format:          "wav",
		FFmpegPath:      "ffmpeg",
		DownloadTimeout: 5 * time.Second,
	}, log)
	require.NoError(t, err)

	mon := monitor.New(90, nil, log)
	cfg := config.DefaultConfig()

	return &apiFixture{
		router: NewRouter(store, pipeline, mon, client, cfg, log),
		store:  store,
	}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.Routes().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedCall(t *testing.T, callID string, ts time.Time) {
	t.Helper()
	_, err := f.store.UpsertOne(context.Background(), &scanner.CallRecord{
		CallID:    callID,
		Timestamp: ts,
		Talkgroup: "101",
		Units:     []string{},
		Metadata:  json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestGetHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := gjson.ParseBytes(rec.Body.Bytes())
	assert.Equal(t, "healthy", body.Get("overall_status").String())
	assert.Equal(t, "healthy", body.Get("components.database.status").String())
	assert.Equal(t, "healthy", body.Get("components.api.status").String())
}

func TestGetStats(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCall(t, "call-1", time.Now().UTC())

	rec := f.get(t, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := gjson.ParseBytes(rec.Body.Bytes())
	assert.Equal(t, int64(1), body.Get("calls.total_calls").Int())
	assert.True(t, body.Get("system.uptime_seconds").Exists())
	assert.True(t, body.Get("storage.total_files").Exists())
}

func TestGetRecentCalls(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCall(t, "call-1", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	f.seedCall(t, "call-2", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	rec := f.get(t, "/api/v1/calls")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := gjson.ParseBytes(rec.Body.Bytes())
	assert.Equal(t, int64(2), body.Get("count").Int())
	assert.Equal(t, "call-2", body.Get("calls.0.call_id").String())

	rec = f.get(t, "/api/v1/calls?limit=1")
	body = gjson.ParseBytes(rec.Body.Bytes())
	assert.Equal(t, int64(1), body.Get("count").Int())
}

func TestGetRecentCallsInvalidLimit(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/calls?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/calls?limit=-5").Code)
}

func TestGetCallByID(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCall(t, "call-1", time.Now().UTC())

	rec := f.get(t, "/api/v1/calls/call-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "call-1", gjson.ParseBytes(rec.Body.Bytes()).Get("call_id").String())

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/calls/no-such-call").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
