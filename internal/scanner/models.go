package scanner

import (
	"encoding/json"
	"time"
)

// CallRecord is the canonical in-memory representation of one radio call.
// CallID uniquely identifies a logical call; re-ingesting the same CallID
// updates fields but never duplicates rows.
type CallRecord struct {
	CallID        string          `json:"call_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Frequency     float64         `json:"frequency"` // Hz, 0 when unknown
	Talkgroup     string          `json:"talkgroup,omitempty"`
	Source        string          `json:"source,omitempty"`
	Duration      float64         `json:"duration"` // seconds
	AudioURL      string          `json:"audio_url,omitempty"`
	AudioFilePath string          `json:"audio_file_path,omitempty"` // set only after successful transcode
	SystemName    string          `json:"system_name,omitempty"`
	Department    string          `json:"department,omitempty"`
	CallType      string          `json:"call_type,omitempty"`
	Units         []string        `json:"units"`
	Metadata      json.RawMessage `json:"metadata,omitempty"` // full raw source record
	Processed     bool            `json:"processed"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
}
