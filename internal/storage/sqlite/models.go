package sqlite

import "time"

// AudioFileRecord tracks one acquired audio artifact, linked to a call.
type AudioFileRecord struct {
	ID          int64     `json:"id"`
	CallID      string    `json:"call_id"`
	OriginalURL string    `json:"original_url"`
	LocalPath   string    `json:"local_path"`
	FileSize    int64     `json:"file_size"`
	Format      string    `json:"format"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// CallStatistics is an on-demand aggregate over the calls table.
type CallStatistics struct {
	TotalCalls       int64      `json:"total_calls"`
	ProcessedCalls   int64      `json:"processed_calls"`
	UnprocessedCalls int64      `json:"unprocessed_calls"`
	EarliestCall     *time.Time `json:"earliest_call,omitempty"`
	LatestCall       *time.Time `json:"latest_call,omitempty"`
	AvgDuration      float64    `json:"avg_duration"`
	UniqueSystems    int64      `json:"unique_systems"`
	UniqueTalkgroups int64      `json:"unique_talkgroups"`
}

// StatsSnapshot is one append-only row in the system_stats audit trail.
type StatsSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	CallsProcessed      int64     `json:"calls_processed"`
	AudioFilesProcessed int64     `json:"audio_files_processed"`
	TotalStorageBytes   int64     `json:"total_storage_bytes"`
	AvgProcessingTime   float64   `json:"avg_processing_time"`
	ErrorCount          int64     `json:"error_count"`
}
