package audio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// partSuffix marks in-flight downloads. Completed files are renamed into
// place so the pruning pass never sees a partial artifact under its final name.
const partSuffix = ".part"

// Config holds the audio pipeline settings.
type Config struct {
	StoragePath       string
	Format            string // target container: wav, mp3, flac, ogg
	Quality           int    // kbps for lossy targets
	MaxFileSize       int64  // bytes, 0 disables the guard
	EnableCompression bool
	CompressionLevel  int
	AutoGainControl   bool
	NormalizeAudio    bool
	AGCThresholdDB    float64
	AGCRatio          float64
	AGCAttackMs       float64
	AGCReleaseMs      float64
	RetentionDays     int
	FFmpegPath        string
	DownloadTimeout   time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// Pipeline downloads and transcodes call audio.
type Pipeline struct {
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger
}

// StorageStats summarizes the on-disk audio store.
type StorageStats struct {
	TotalFiles     int            `json:"total_files"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	Formats        map[string]int `json:"formats"`
	OldestFile     string         `json:"oldest_file,omitempty"`
	NewestFile     string         `json:"newest_file,omitempty"`
}

// NewPipeline creates the audio pipeline and ensures storage exists.
func NewPipeline(cfg Config, log *logger.Logger) (*Pipeline, error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio storage directory: %w", err)
	}

	p := &Pipeline{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.DownloadTimeout,
		},
		logger: log.Named("audio-pipe"),
	}

	if cfg.Format != "wav" {
		if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
			p.logger.Warn("ffmpeg not found, non-WAV transcoding will fail",
				logger.String("ffmpeg_path", cfg.FFmpegPath),
			)
		}
	}

	return p, nil
}

// Download fetches the audio at url and stores it locally. It returns the
// local path, or an empty string when the download failed or the payload
// exceeded the size limit. No partial file remains on disk in either case.
func (p *Pipeline) Download(ctx context.Context, audioURL, callID string) string {
	if audioURL == "" {
		p.logger.Warn("No audio URL provided", logger.String("call_id", callID))
		return ""
	}

	// call_id plus local timestamp keeps reprocessed calls from colliding
	filename := fmt.Sprintf("%s_%s%s", sanitizeID(callID), time.Now().Format("20060102_150405"), sourceExt(audioURL))
	finalPath := filepath.Join(p.cfg.StoragePath, filename)

	resp, err := p.getWithRetry(ctx, audioURL)
	if err != nil {
		p.logger.Error("Failed to download audio",
			logger.String("call_id", callID),
			logger.Error(err),
		)
		return ""
	}
	defer resp.Body.Close()

	// The declared length can refuse the transfer up front, but it can also
	// lie or be absent, so the streamed total is policed below as well.
	if p.cfg.MaxFileSize > 0 && resp.ContentLength > p.cfg.MaxFileSize {
		p.logger.Warn("Audio file too large, refusing download",
			logger.String("call_id", callID),
			logger.Int64("content_length", resp.ContentLength),
			logger.Int64("max_bytes", p.cfg.MaxFileSize),
		)
		return ""
	}

	partPath := finalPath + partSuffix
	f, err := os.Create(partPath)
	if err != nil {
		p.logger.Error("Failed to create audio file", logger.Error(err))
		return ""
	}

	written, err := p.copyWithLimit(f, resp.Body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		os.Remove(partPath)
		if err == nil {
			err = closeErr
		}
		p.logger.Warn("Download aborted, partial file removed",
			logger.String("call_id", callID),
			logger.Int64("bytes_written", written),
			logger.Error(err),
		)
		return ""
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		p.logger.Error("Failed to finalize audio file", logger.Error(err))
		return ""
	}

	p.logger.Info("Downloaded audio file",
		logger.String("call_id", callID),
		logger.String("path", finalPath),
		logger.Int64("bytes", written),
	)
	return finalPath
}

// copyWithLimit streams the body to disk, aborting once the running total
// exceeds the configured maximum.
func (p *Pipeline) copyWithLimit(dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 8192)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write audio data: %w", werr)
			}
			written += int64(n)
			if p.cfg.MaxFileSize > 0 && written > p.cfg.MaxFileSize {
				return written, fmt.Errorf("download exceeded size limit of %d bytes", p.cfg.MaxFileSize)
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("failed to read audio data: %w", err)
		}
	}
}

// getWithRetry mirrors the scanner client's bounded backoff policy for
// transient HTTP failures.
func (p *Pipeline) getWithRetry(ctx context.Context, audioURL string) (*http.Response, error) {
	delay := p.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	attempts := p.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("failed to execute request: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		resp.Body.Close()
		if !transientStatus(resp.StatusCode) {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", attempts, lastErr)
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Transcode processes a downloaded file toward the configured target format.
// WAV sources get in-process normalization and dynamic-range compression;
// container conversion is delegated to ffmpeg. On any failure it returns an
// empty string and leaves the original file untouched.
func (p *Pipeline) Transcode(path string) string {
	if _, err := os.Stat(path); err != nil {
		p.logger.Error("Audio file does not exist", logger.String("path", path))
		return ""
	}

	srcFormat := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	workPath := path

	// DSP stages run on WAV sources only; other containers pass straight
	// through to ffmpeg, which applies the export parameters instead.
	if srcFormat == "wav" && (p.cfg.NormalizeAudio || p.cfg.AutoGainControl) {
		processed, err := p.processWAV(path)
		if err != nil {
			p.logger.Error("Failed to process WAV audio",
				logger.String("path", path),
				logger.Error(err),
			)
			return ""
		}
		workPath = processed
	}

	if srcFormat == p.cfg.Format {
		p.logger.Debug("Audio already in target format", logger.String("path", workPath))
		return workPath
	}

	converted := strings.TrimSuffix(path, filepath.Ext(path)) + "." + p.cfg.Format
	if err := p.convert(workPath, converted); err != nil {
		p.logger.Error("Failed to convert audio format",
			logger.String("path", workPath),
			logger.String("target_format", p.cfg.Format),
			logger.Error(err),
		)
		return ""
	}

	// Remove the source only once the converted file is confirmed present
	if _, err := os.Stat(converted); err != nil {
		p.logger.Error("Converted file missing after transcode", logger.String("path", converted))
		return ""
	}
	if workPath != converted {
		os.Remove(workPath)
	}

	p.logger.Info("Transcoded audio file",
		logger.String("path", converted),
		logger.String("format", p.cfg.Format),
	)
	return converted
}

// convert re-encodes src into dst using ffmpeg with parameters derived from
// the format and quality settings, writing through a temp name.
func (p *Pipeline) convert(src, dst string) error {
	tmp := dst + partSuffix

	args := []string{"-y", "-i", src}
	switch p.cfg.Format {
	case "mp3":
		args = append(args, "-b:a", fmt.Sprintf("%dk", p.cfg.Quality))
		if p.cfg.EnableCompression {
			args = append(args, "-q:a", strconv.Itoa(9-p.cfg.CompressionLevel))
		}
	case "flac":
		args = append(args, "-compression_level", strconv.Itoa(p.cfg.CompressionLevel))
	case "ogg":
		args = append(args, "-q:a", strconv.Itoa(p.cfg.CompressionLevel))
	case "wav":
		args = append(args, "-ar", "22050", "-ac", "1")
	}
	args = append(args, "-f", p.cfg.Format, tmp)

	cmd := exec.Command(p.cfg.FFmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ffmpeg failed: %w: %s", err, truncateOutput(out))
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize converted file: %w", err)
	}
	return nil
}

// Checksum returns the SHA-256 hex digest of the file, or an empty string
// when the file is missing.
func (p *Pipeline) Checksum(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		p.logger.Error("Failed to checksum audio file",
			logger.String("path", path),
			logger.Error(err),
		)
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PruneExpired deletes audio files older than the retention window. A
// non-positive retention means retain forever. Fresh .part files are left
// alone so pruning cannot race an in-flight download.
func (p *Pipeline) PruneExpired() int {
	if p.cfg.RetentionDays <= 0 {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)
	deleted := 0

	entries, err := os.ReadDir(p.cfg.StoragePath)
	if err != nil {
		p.logger.Error("Failed to read audio storage directory", logger.Error(err))
		return 0
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if strings.HasSuffix(entry.Name(), partSuffix) && time.Since(info.ModTime()) < time.Hour {
			continue
		}
		if info.ModTime().Before(cutoff) {
			full := filepath.Join(p.cfg.StoragePath, entry.Name())
			if err := os.Remove(full); err != nil {
				p.logger.Warn("Failed to delete expired audio file",
					logger.String("path", full),
					logger.Error(err),
				)
				continue
			}
			deleted++
		}
	}

	p.logger.Info("Pruned expired audio files",
		logger.Int("deleted", deleted),
		logger.Int("retention_days", p.cfg.RetentionDays),
	)
	return deleted
}

// Stats walks the storage directory and summarizes it for observability.
func (p *Pipeline) Stats() *StorageStats {
	stats := &StorageStats{Formats: make(map[string]int)}

	entries, err := os.ReadDir(p.cfg.StoragePath)
	if err != nil {
		p.logger.Error("Failed to read audio storage directory", logger.Error(err))
		return stats
	}

	var oldest, newest time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()

		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name())), ".")
		stats.Formats[ext]++

		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
			stats.OldestFile = entry.Name()
		}
		if newest.IsZero() || info.ModTime().After(newest) {
			newest = info.ModTime()
			stats.NewestFile = entry.Name()
		}
	}

	return stats
}

// sourceExt derives a file extension from the audio URL, defaulting to .wav.
func sourceExt(audioURL string) string {
	base := audioURL
	if idx := strings.IndexAny(base, "?#"); idx >= 0 {
		base = base[:idx]
	}
	ext := strings.ToLower(filepath.Ext(base))
	switch ext {
	case ".wav", ".mp3", ".flac", ".ogg", ".m4a", ".aac":
		return ext
	}
	return ".wav"
}

// sanitizeID keeps call IDs filesystem-safe.
func sanitizeID(callID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, callID)
}

func truncateOutput(out []byte) string {
	s := string(out)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
