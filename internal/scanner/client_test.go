package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(baseURL, "/api/calls", "secret-token", "rdio-monitor-test", 5*time.Second, 3, 10*time.Millisecond, 100, testLogger(t))
	require.NoError(t, err)
	return client
}

func TestParseCallRecordAliasPriority(t *testing.T) {
	client := newTestClient(t, "http://example.invalid")

	// Higher-priority keys win when aliases are both present
	raw := json.RawMessage(`{
		"id": "primary-id",
		"call_id": "secondary-id",
		"timestamp": 1700000000,
		"time": 1600000000,
		"talkgroup": "55",
		"tg": "99",
		"source": "unit-7",
		"src": "unit-8",
		"audio_url": "http://x/a.wav",
		"audio": "http://x/b.wav",
		"system": "metro",
		"system_name": "other",
		"department": "fire",
		"agency": "police",
		"type": "dispatch",
		"call_type": "routine"
	}`)

	record := client.ParseCallRecord(raw)
	require.NotNil(t, record)

	assert.Equal(t, "primary-id", record.CallID)
	assert.Equal(t, int64(1700000000), record.Timestamp.Unix())
	assert.Equal(t, "55", record.Talkgroup)
	assert.Equal(t, "unit-7", record.Source)
	assert.Equal(t, "http://x/a.wav", record.AudioURL)
	assert.Equal(t, "metro", record.SystemName)
	assert.Equal(t, "fire", record.Department)
	assert.Equal(t, "dispatch", record.CallType)
	assert.False(t, record.Processed)
	assert.JSONEq(t, string(raw), string(record.Metadata))
}

func TestParseCallRecordFallbackAliases(t *testing.T) {
	client := newTestClient(t, "http://example.invalid")

	record := client.ParseCallRecord(json.RawMessage(`{
		"call_id": "fallback-id",
		"time": 1700000001,
		"tg": 99,
		"src": 1234,
		"file": "http://x/c.mp3",
		"system_name": "county",
		"agency": "ems",
		"call_type": "alert"
	}`))
	require.NotNil(t, record)

	assert.Equal(t, "fallback-id", record.CallID)
	assert.Equal(t, int64(1700000001), record.Timestamp.Unix())
	// Numeric talkgroup and source are normalized to strings
	assert.Equal(t, "99", record.Talkgroup)
	assert.Equal(t, "1234", record.Source)
	assert.Equal(t, "http://x/c.mp3", record.AudioURL)
	assert.Equal(t, "county", record.SystemName)
	assert.Equal(t, "ems", record.Department)
	assert.Equal(t, "alert", record.CallType)
}

func TestParseCallRecordGeneratesID(t *testing.T) {
	client := newTestClient(t, "http://example.invalid")

	record := client.ParseCallRecord(json.RawMessage(`{"timestamp": 1700000000}`))
	require.NotNil(t, record)
	assert.NotEmpty(t, record.CallID)

	other := client.ParseCallRecord(json.RawMessage(`{"timestamp": 1700000000}`))
	require.NotNil(t, other)
	assert.NotEqual(t, record.CallID, other.CallID)
}

func TestParseCallRecordTimestampFormats(t *testing.T) {
	client := newTestClient(t, "http://example.invalid")

	iso := client.ParseCallRecord(json.RawMessage(`{"id":"a","timestamp":"2023-11-14T22:13:20Z"}`))
	require.NotNil(t, iso)
	assert.Equal(t, int64(1700000000), iso.Timestamp.Unix())

	unix := client.ParseCallRecord(json.RawMessage(`{"id":"b","timestamp":1700000000}`))
	require.NotNil(t, unix)
	assert.Equal(t, int64(1700000000), unix.Timestamp.Unix())

	// Unparseable timestamps fall back to roughly now instead of failing
	before := time.Now().UTC()
	bad := client.ParseCallRecord(json.RawMessage(`{"id":"c","timestamp":"not-a-time"}`))
	require.NotNil(t, bad)
	assert.False(t, bad.Timestamp.Before(before.Add(-time.Minute)))
}

func TestParseCallRecordUnitsNormalization(t *testing.T) {
	client := newTestClient(t, "http://example.invalid")

	single := client.ParseCallRecord(json.RawMessage(`{"id":"a","units":"engine-1"}`))
	require.NotNil(t, single)
	assert.Equal(t, []string{"engine-1"}, single.Units)

	list := client.ParseCallRecord(json.RawMessage(`{"id":"b","units":["e1","l2",3]}`))
	require.NotNil(t, list)
	assert.Equal(t, []string{"e1", "l2", "3"}, list.Units)

	junk := client.ParseCallRecord(json.RawMessage(`{"id":"c","units":42}`))
	require.NotNil(t, junk)
	assert.Empty(t, junk.Units)

	missing := client.ParseCallRecord(json.RawMessage(`{"id":"d"}`))
	require.NotNil(t, missing)
	assert.Empty(t, missing.Units)
}

func TestParseCallRecordRejectsNonObject(t *testing.T) {
	client := newTestClient(t, "http://example.invalid")
	assert.Nil(t, client.ParseCallRecord(json.RawMessage(`"just a string"`)))
	assert.Nil(t, client.ParseCallRecord(json.RawMessage(`[1,2,3]`)))
}

func TestFetchCallsResponseShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, 2},
		{"calls key", `{"calls":[{"id":"a"}]}`, 1},
		{"data key", `{"data":[{"id":"a"},{"id":"b"},{"id":"c"}]}`, 3},
		{"unexpected shape", `{"stuff":true}`, 0},
		{"malformed json", `{"calls": [`, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(server.Close)

			client := newTestClient(t, server.URL)
			calls := client.FetchCalls(context.Background(), nil, 10)
			assert.Len(t, calls, tc.want)
		})
	}
}

func TestFetchCallsRequestParameters(t *testing.T) {
	var gotAuth, gotAccept, gotSince, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotSince = r.URL.Query().Get("since")
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL)
	since := time.Unix(1700000000, 0)
	client.FetchCalls(context.Background(), &since, 25)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "1700000000", gotSince)
	assert.Equal(t, "25", gotLimit)
}

func TestFetchCallsRetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"a"}]`))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL)
	calls := client.FetchCalls(context.Background(), nil, 10)

	assert.Len(t, calls, 1)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchCallsDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL)
	calls := client.FetchCalls(context.Background(), nil, 10)

	assert.Empty(t, calls)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchCallsSoftFailsOnNetworkError(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	assert.Empty(t, client.FetchCalls(context.Background(), nil, 10))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))

	// Cutting inside a multibyte sequence backs up to the rune start
	s := strings.Repeat("é", 10) // 2 bytes per rune
	got := truncate(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 2)+"...", got)
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL)
	assert.True(t, client.TestConnection(context.Background()))

	down := newTestClient(t, "http://127.0.0.1:1")
	assert.False(t, down.TestConnection(context.Background()))
}
