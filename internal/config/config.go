package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level application configuration, loaded once at startup.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Storage    StorageConfig    `toml:"storage"`
	Audio      AudioConfig      `toml:"audio"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
}

// ScannerConfig configures the remote call API client and the poll loop.
type ScannerConfig struct {
	BaseURL            string `toml:"base_url"`
	APIPath            string `toml:"api_path"`
	AuthToken          string `toml:"auth_token"`
	UserAgent          string `toml:"user_agent"`
	PollIntervalSecs   int    `toml:"poll_interval_secs"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
	RetryAttempts      int    `toml:"retry_attempts"`
	RetryDelaySecs     int    `toml:"retry_delay_secs"`
	MaxCallsPerRequest int    `toml:"max_calls_per_request"`
}

// StorageConfig configures the SQLite call store.
type StorageConfig struct {
	Path          string `toml:"path"`
	MaxOpenConns  int    `toml:"max_open_conns"`
	MaxIdleConns  int    `toml:"max_idle_conns"`
	RetentionDays int    `toml:"retention_days"`
}

// AudioConfig configures audio download and transcoding.
type AudioConfig struct {
	StoragePath       string  `toml:"storage_path"`
	Format            string  `toml:"format"`      // wav, mp3, flac, ogg
	Quality           int     `toml:"quality"`     // target bitrate in kbps for lossy formats
	MaxFileSizeMB     int     `toml:"max_file_size_mb"`
	EnableCompression bool    `toml:"enable_compression"`
	CompressionLevel  int     `toml:"compression_level"` // 0-9
	AutoGainControl   bool    `toml:"auto_gain_control"`
	NormalizeAudio    bool    `toml:"normalize_audio"`
	AGCThresholdDB    float64 `toml:"agc_threshold_db"`
	AGCRatio          float64 `toml:"agc_ratio"`
	AGCAttackMs       float64 `toml:"agc_attack_ms"`
	AGCReleaseMs      float64 `toml:"agc_release_ms"`
	RetentionDays     int     `toml:"retention_days"`
	DownloadWorkers   int     `toml:"download_workers"`
	FFmpegPath        string  `toml:"ffmpeg_path"`
}

// MonitoringConfig configures health checks and maintenance cadence.
type MonitoringConfig struct {
	HealthCheckIntervalSecs int    `toml:"health_check_interval_secs"`
	MaintenanceIntervalMins int    `toml:"maintenance_interval_mins"`
	DiskSpaceThresholdPct   int    `toml:"disk_space_threshold_pct"`
	LogDir                  string `toml:"log_dir"`
	TempDir                 string `toml:"temp_dir"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns a configuration with reasonable defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Scanner: ScannerConfig{
			APIPath:            "/api/calls",
			UserAgent:          "rdio-monitor/1.0",
			PollIntervalSecs:   30,
			RequestTimeoutSecs: 30,
			RetryAttempts:      3,
			RetryDelaySecs:     1,
			MaxCallsPerRequest: 100,
		},
		Storage: StorageConfig{
			Path:          "data/rdio-monitor.db",
			MaxOpenConns:  10,
			MaxIdleConns:  2,
			RetentionDays: 30,
		},
		Audio: AudioConfig{
			StoragePath:      "data/audio",
			Format:           "wav",
			Quality:          128,
			MaxFileSizeMB:    50,
			CompressionLevel: 5,
			AGCThresholdDB:   -20.0,
			AGCRatio:         4.0,
			AGCAttackMs:      5.0,
			AGCReleaseMs:     50.0,
			RetentionDays:    30,
			DownloadWorkers:  4,
			FFmpegPath:       "ffmpeg",
		},
		Monitoring: MonitoringConfig{
			HealthCheckIntervalSecs: 60,
			MaintenanceIntervalMins: 60,
			DiskSpaceThresholdPct:   90,
			LogDir:                  "logs",
			TempDir:                 os.TempDir(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the TOML configuration file at path over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	if c.Scanner.BaseURL == "" {
		return fmt.Errorf("scanner.base_url is required")
	}
	if c.Scanner.PollIntervalSecs <= 0 {
		return fmt.Errorf("scanner.poll_interval_secs must be positive")
	}
	if c.Scanner.MaxCallsPerRequest <= 0 {
		return fmt.Errorf("scanner.max_calls_per_request must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.MaxOpenConns <= 0 {
		return fmt.Errorf("storage.max_open_conns must be positive")
	}
	if c.Audio.StoragePath == "" {
		return fmt.Errorf("audio.storage_path is required")
	}
	switch c.Audio.Format {
	case "wav", "mp3", "flac", "ogg":
	default:
		return fmt.Errorf("unsupported audio format: %s", c.Audio.Format)
	}
	if c.Audio.CompressionLevel < 0 || c.Audio.CompressionLevel > 9 {
		return fmt.Errorf("audio.compression_level must be between 0 and 9")
	}
	if c.Audio.DownloadWorkers <= 0 {
		return fmt.Errorf("audio.download_workers must be positive")
	}
	if c.Monitoring.DiskSpaceThresholdPct <= 0 || c.Monitoring.DiskSpaceThresholdPct > 100 {
		return fmt.Errorf("monitoring.disk_space_threshold_pct must be between 1 and 100")
	}
	return nil
}

// PollInterval returns the poll interval as a duration.
func (c *ScannerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *ScannerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// RetryDelay returns the base retry delay as a duration.
func (c *ScannerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// MaxFileSizeBytes returns the audio size limit in bytes. Zero disables the guard.
func (c *AudioConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// HealthCheckInterval returns the health check cadence as a duration.
func (c *MonitoringConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

// MaintenanceInterval returns the maintenance cadence as a duration.
func (c *MonitoringConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMins) * time.Minute
}
