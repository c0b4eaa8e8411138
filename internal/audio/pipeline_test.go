package audio

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
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

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	if cfg.StoragePath == "" {
		cfg.StoragePath = t.TempDir()
	}
	if cfg.Format == "" {
		cfg.Format = "wav"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 5 * time.Second
	}
	cfg.RetryAttempts = 2
	cfg.RetryDelay = 10 * time.Millisecond

	p, err := NewPipeline(cfg, testLogger(t))
	require.NoError(t, err)
	return p
}

func storageEntries(t *testing.T, p *Pipeline) []string {
	t.Helper()
	entries, err := os.ReadDir(p.cfg.StoragePath)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestDownload(t *testing.T) {
	payload := []byte("fake wav bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	p := newTestPipeline(t, Config{})
	path := p.Download(context.Background(), server.URL+"/calls/abc.wav", "call/1")
	require.NotEmpty(t, path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// filename carries a sanitized call ID and the source extension
	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "call_1_"), name)
	assert.True(t, strings.HasSuffix(name, ".wav"), name)
}

func TestDownloadRefusesDeclaredOversize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	t.Cleanup(server.Close)

	p := newTestPipeline(t, Config{MaxFileSize: 1024})
	path := p.Download(context.Background(), server.URL+"/big.wav", "call-1")

	assert.Empty(t, path)
	assert.Empty(t, storageEntries(t, p))
}

func TestDownloadAbortsStreamedOversize(t *testing.T) {
	// Chunked response hides the size until the guard trips mid-stream
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := make([]byte, 512)
		for i := 0; i < 8; i++ {
			_, _ = w.Write(chunk)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)

	p := newTestPipeline(t, Config{MaxFileSize: 1024})
	path := p.Download(context.Background(), server.URL+"/big.wav", "call-1")

	assert.Empty(t, path)
	// No partial file may remain under any name
	assert.Empty(t, storageEntries(t, p))
}

func TestDownloadFailures(t *testing.T) {
	p := newTestPipeline(t, Config{})
	ctx := context.Background()

	assert.Empty(t, p.Download(ctx, "", "call-1"))
	assert.Empty(t, p.Download(ctx, "http://127.0.0.1:1/a.wav", "call-1"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	assert.Empty(t, p.Download(ctx, server.URL+"/missing.wav", "call-1"))
	assert.Empty(t, storageEntries(t, p))
}

func TestTranscodeAlreadyTargetFormat(t *testing.T) {
	p := newTestPipeline(t, Config{Format: "wav"})

	path := filepath.Join(p.cfg.StoragePath, "call.wav")
	writeTestWAV(t, path, []int{0, 1000, -1000, 500})

	got := p.Transcode(path)
	assert.Equal(t, path, got)
}

func TestTranscodeMissingFile(t *testing.T) {
	p := newTestPipeline(t, Config{})
	assert.Empty(t, p.Transcode(filepath.Join(p.cfg.StoragePath, "nope.wav")))
}

func TestTranscodeNormalizesWAV(t *testing.T) {
	p := newTestPipeline(t, Config{Format: "wav", NormalizeAudio: true})

	// Peak at a quarter of full scale; normalization should lift it to ~-3 dBFS
	path := filepath.Join(p.cfg.StoragePath, "quiet.wav")
	writeTestWAV(t, path, []int{0, 8192, -4096, 2048, -8192})

	got := p.Transcode(path)
	require.Equal(t, path, got)

	samples := readTestWAV(t, path)
	var peak float64
	for _, v := range samples {
		if a := math.Abs(float64(v)) / 32768.0; a > peak {
			peak = a
		}
	}
	assert.InDelta(t, normalizeTargetPeak, peak, 0.01)
}

func TestChecksum(t *testing.T) {
	p := newTestPipeline(t, Config{})

	path := filepath.Join(p.cfg.StoragePath, "file.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	// sha256("hello")
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		p.Checksum(path),
	)
	assert.Empty(t, p.Checksum(filepath.Join(p.cfg.StoragePath, "missing.wav")))
}

func TestPruneExpired(t *testing.T) {
	p := newTestPipeline(t, Config{RetentionDays: 7})

	oldPath := filepath.Join(p.cfg.StoragePath, "old.wav")
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0o644))
	past := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	freshPath := filepath.Join(p.cfg.StoragePath, "fresh.wav")
	require.NoError(t, os.WriteFile(freshPath, []byte("fresh"), 0o644))

	// A fresh .part file is an in-flight download and must survive pruning
	partPath := filepath.Join(p.cfg.StoragePath, "inflight.wav.part")
	require.NoError(t, os.WriteFile(partPath, []byte("part"), 0o644))

	assert.Equal(t, 1, p.PruneExpired())
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, freshPath)
	assert.FileExists(t, partPath)
}

func TestPruneExpiredDisabled(t *testing.T) {
	p := newTestPipeline(t, Config{RetentionDays: 0})

	oldPath := filepath.Join(p.cfg.StoragePath, "old.wav")
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0o644))
	past := time.Now().AddDate(0, 0, -100)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	assert.Zero(t, p.PruneExpired())
	assert.FileExists(t, oldPath)
}

func TestStats(t *testing.T) {
	p := newTestPipeline(t, Config{})

	empty := p.Stats()
	assert.Zero(t, empty.TotalFiles)

	require.NoError(t, os.WriteFile(filepath.Join(p.cfg.StoragePath, "a.wav"), []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.cfg.StoragePath, "b.mp3"), []byte("bb"), 0o644))

	stats := p.Stats()
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, int64(6), stats.TotalSizeBytes)
	assert.Equal(t, 1, stats.Formats["wav"])
	assert.Equal(t, 1, stats.Formats["mp3"])
}

func TestSourceExt(t *testing.T) {
	assert.Equal(t, ".mp3", sourceExt("http://x/a.mp3"))
	assert.Equal(t, ".wav", sourceExt("http://x/a.wav?token=abc"))
	assert.Equal(t, ".flac", sourceExt("http://x/a.flac#frag"))
	assert.Equal(t, ".wav", sourceExt("http://x/audio"))
	assert.Equal(t, ".wav", sourceExt("http://x/a.exe"))
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "abc-123_x", sanitizeID("abc-123_x"))
	assert.Equal(t, "a_b_c", sanitizeID("a/b:c"))
}

func writeTestWAV(t *testing.T, path string, data []int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)

	encoder := wav.NewEncoder(f, 8000, 16, 1, 1)
	require.NoError(t, encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, encoder.Close())
	require.NoError(t, f.Close())
}

func readTestWAV(t *testing.T, path string) []int {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	decoder := wav.NewDecoder(f)
	require.True(t, decoder.IsValidFile())
	buf, err := decoder.FullPCMBuffer()
	require.NoError(t, err)
	return buf.Data
}
