package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scanwatch/rdio-monitor/internal/scanner"
	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// CallStore handles durable storage of call records, audio file rows, and
// system stats snapshots.
type CallStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewCallStore creates a new SQLite call store and bootstraps the schema.
func NewCallStore(db *sql.DB, logger *logger.Logger) (*CallStore, error) {
	store := &CallStore{
		db:     db,
		logger: logger.Named("sqlite-calls"),
	}

	if err := store.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize call storage: %w", err)
	}

	return store, nil
}

// initDB initializes the database tables. All statements are idempotent.
func (s *CallStore) initDB() error {
	// Create calls table
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT UNIQUE NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			frequency REAL,
			talkgroup TEXT,
			source TEXT,
			duration REAL,
			audio_url TEXT,
			audio_file_path TEXT,
			system_name TEXT,
			department TEXT,
			call_type TEXT,
			units TEXT,
			metadata TEXT,
			processed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
			updated_at TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create calls table: %w", err)
	}

	// Create audio_files table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audio_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			original_url TEXT,
			local_path TEXT,
			file_size INTEGER,
			format TEXT,
			checksum TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
			FOREIGN KEY (call_id) REFERENCES calls(call_id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audio_files table: %w", err)
	}

	// Create system_stats table (append-only audit trail)
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS system_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			calls_processed INTEGER,
			audio_files_processed INTEGER,
			total_storage_bytes INTEGER,
			avg_processing_time REAL,
			error_count INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create system_stats table: %w", err)
	}

	// Create indexes for performance
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON calls(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_talkgroup ON calls(talkgroup)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_system_name ON calls(system_name)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_processed ON calls(processed)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audio_files_call_id ON audio_files(call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_system_stats_timestamp ON system_stats(timestamp)`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// Trigger keeps updated_at current on every row update
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS trg_calls_updated_at
		AFTER UPDATE ON calls
		FOR EACH ROW
		BEGIN
			UPDATE calls SET updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
			WHERE id = NEW.id;
		END
	`)
	if err != nil {
		return fmt.Errorf("failed to create updated_at trigger: %w", err)
	}

	return nil
}

// upsertSQL inserts a call or, on call_id conflict, overwrites its fields.
// processed and created_at are deliberately excluded from the update set:
// processed only ever transitions false to true via MarkProcessed, and
// created_at records first local observation.
const upsertSQL = `
	INSERT INTO calls (
		call_id, timestamp, frequency, talkgroup, source, duration,
		audio_url, audio_file_path, system_name, department, call_type,
		units, metadata, processed, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (call_id) DO UPDATE SET
		timestamp = excluded.timestamp,
		frequency = excluded.frequency,
		talkgroup = excluded.talkgroup,
		source = excluded.source,
		duration = excluded.duration,
		audio_url = excluded.audio_url,
		audio_file_path = excluded.audio_file_path,
		system_name = excluded.system_name,
		department = excluded.department,
		call_type = excluded.call_type,
		units = excluded.units,
		metadata = excluded.metadata
`

// upsertArgs flattens a record into the upsert parameter list.
func upsertArgs(record *scanner.CallRecord) ([]interface{}, error) {
	units, err := json.Marshal(record.Units)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal units: %w", err)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return []interface{}{
		record.CallID,
		record.Timestamp.UTC().Format(time.RFC3339),
		record.Frequency,
		record.Talkgroup,
		record.Source,
		record.Duration,
		record.AudioURL,
		record.AudioFilePath,
		record.SystemName,
		record.Department,
		record.CallType,
		string(units),
		string(record.Metadata),
		boolToInt(record.Processed),
		createdAt.UTC().Format(time.RFC3339),
	}, nil
}

// UpsertOne stores a single call record, updating in place on call_id conflict.
func (s *CallStore) UpsertOne(ctx context.Context, record *scanner.CallRecord) (bool, error) {
	args, err := upsertArgs(record)
	if err != nil {
		return false, err
	}

	if _, err := s.db.ExecContext(ctx, upsertSQL, args...); err != nil {
		return false, fmt.Errorf("failed to upsert call %s: %w", record.CallID, err)
	}

	s.logger.Debug("Upserted call record", logger.String("call_id", record.CallID))
	return true, nil
}

// UpsertBatch stores the records in one transaction. On failure the whole
// batch rolls back and the count is 0; callers may retry the entire batch,
// which is safe because the upsert is idempotent.
func (s *CallStore) UpsertBatch(ctx context.Context, records []*scanner.CallRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		args, err := upsertArgs(record)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to upsert call %s: %w", record.CallID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Info("Upserted call records in batch", logger.Int("count", len(records)))
	return len(records), nil
}

const callColumns = `call_id, timestamp, frequency, talkgroup, source, duration,
	audio_url, audio_file_path, system_name, department, call_type,
	units, metadata, processed, created_at, updated_at`

// GetUnprocessed returns unprocessed calls ordered by timestamp ascending.
func (s *CallStore) GetUnprocessed(ctx context.Context, limit int) ([]*scanner.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+`
		FROM calls
		WHERE processed = 0
		ORDER BY timestamp ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed calls: %w", err)
	}
	defer rows.Close()

	return s.scanCallRows(rows)
}

// GetRecentCalls returns the most recently observed calls.
func (s *CallStore) GetRecentCalls(ctx context.Context, limit int) ([]*scanner.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+`
		FROM calls
		ORDER BY timestamp DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent calls: %w", err)
	}
	defer rows.Close()

	return s.scanCallRows(rows)
}

// GetCallByID returns one call, or nil when no row matches.
func (s *CallStore) GetCallByID(ctx context.Context, callID string) (*scanner.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+`
		FROM calls
		WHERE call_id = ?`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query call by id: %w", err)
	}
	defer rows.Close()

	records, err := s.scanCallRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// MarkProcessed flips the processed flag for a call. Returns false when no
// row matches, which is a no-op rather than an error. The flag is only ever
// raised here, never lowered.
func (s *CallStore) MarkProcessed(ctx context.Context, callID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE calls SET processed = 1 WHERE call_id = ?`,
		callID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark call %s processed: %w", callID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("No call found to mark processed", logger.String("call_id", callID))
		return false, nil
	}

	s.logger.Debug("Marked call processed", logger.String("call_id", callID))
	return true, nil
}

// SetAudioFilePath records the local audio path for a call after transcoding.
func (s *CallStore) SetAudioFilePath(ctx context.Context, callID, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE calls SET audio_file_path = ? WHERE call_id = ?`,
		path, callID,
	); err != nil {
		return fmt.Errorf("failed to set audio path for call %s: %w", callID, err)
	}
	return nil
}

// InsertAudioFile records one acquired audio artifact.
func (s *CallStore) InsertAudioFile(ctx context.Context, record *AudioFileRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_files (call_id, original_url, local_path, file_size, format, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.CallID,
		record.OriginalURL,
		record.LocalPath,
		record.FileSize,
		record.Format,
		record.Checksum,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to insert audio file record: %w", err)
	}
	return nil
}

// InsertStatsSnapshot appends one system_stats row. Snapshots are write-only
// and never mutated after insertion.
func (s *CallStore) InsertStatsSnapshot(ctx context.Context, snap *StatsSnapshot) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO system_stats (timestamp, calls_processed, audio_files_processed, total_storage_bytes, avg_processing_time, error_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC().Format(time.RFC3339),
		snap.CallsProcessed,
		snap.AudioFilesProcessed,
		snap.TotalStorageBytes,
		snap.AvgProcessingTime,
		snap.ErrorCount,
	); err != nil {
		return fmt.Errorf("failed to insert stats snapshot: %w", err)
	}
	return nil
}

// GetStatistics computes aggregate call statistics on demand.
func (s *CallStore) GetStatistics(ctx context.Context) (*CallStatistics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(processed), 0),
			COALESCE(SUM(1 - processed), 0),
			MIN(timestamp),
			MAX(timestamp),
			COALESCE(AVG(duration), 0),
			COUNT(DISTINCT system_name),
			COUNT(DISTINCT talkgroup)
		FROM calls
	`)

	var stats CallStatistics
	var earliest, latest sql.NullString
	if err := row.Scan(
		&stats.TotalCalls,
		&stats.ProcessedCalls,
		&stats.UnprocessedCalls,
		&earliest,
		&latest,
		&stats.AvgDuration,
		&stats.UniqueSystems,
		&stats.UniqueTalkgroups,
	); err != nil {
		return nil, fmt.Errorf("failed to scan call statistics: %w", err)
	}

	if earliest.Valid {
		if ts, err := time.Parse(time.RFC3339, earliest.String); err == nil {
			stats.EarliestCall = &ts
		}
	}
	if latest.Valid {
		if ts, err := time.Parse(time.RFC3339, latest.String); err == nil {
			stats.LatestCall = &ts
		}
	}

	return &stats, nil
}

// PruneOlderThan deletes calls whose local creation time exceeds the
// retention window. Irreversible; called only from the maintenance path.
func (s *CallStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	// audio_files rows cascade via the FK, but delete explicitly so the
	// count stays meaningful even with foreign_keys off.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM audio_files WHERE call_id IN (SELECT call_id FROM calls WHERE created_at < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("failed to prune audio file records: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE created_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old calls: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Pruned old call records",
		logger.Int64("deleted", deleted),
		logger.Int("retention_days", days),
	)
	return deleted, nil
}

// Ping verifies store connectivity for health checks.
func (s *CallStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("failed to ping call store: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *CallStore) Close() error {
	return s.db.Close()
}

// scanCallRows scans database rows into CallRecord structs.
func (s *CallStore) scanCallRows(rows *sql.Rows) ([]*scanner.CallRecord, error) {
	var records []*scanner.CallRecord
	for rows.Next() {
		var record scanner.CallRecord
		var timestamp, createdAt, updatedAt string
		var talkgroup, source, audioURL, audioPath, systemName, department, callType, units, metadata sql.NullString
		var processed int

		if err := rows.Scan(
			&record.CallID,
			&timestamp,
			&record.Frequency,
			&talkgroup,
			&source,
			&record.Duration,
			&audioURL,
			&audioPath,
			&systemName,
			&department,
			&callType,
			&units,
			&metadata,
			&processed,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}

		var err error
		record.Timestamp, err = time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}

		record.Talkgroup = talkgroup.String
		record.Source = source.String
		record.AudioURL = audioURL.String
		record.AudioFilePath = audioPath.String
		record.SystemName = systemName.String
		record.Department = department.String
		record.CallType = callType.String
		record.Processed = processed != 0

		if units.Valid && units.String != "" {
			if err := json.Unmarshal([]byte(units.String), &record.Units); err != nil {
				return nil, fmt.Errorf("failed to parse units: %w", err)
			}
		}
		if record.Units == nil {
			record.Units = []string{}
		}
		if metadata.Valid && metadata.String != "" {
			record.Metadata = json.RawMessage(metadata.String)
		}

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating call rows: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
