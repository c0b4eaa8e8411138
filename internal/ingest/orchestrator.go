package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/scanwatch/rdio-monitor/internal/audio"
	"github.com/scanwatch/rdio-monitor/internal/monitor"
	"github.com/scanwatch/rdio-monitor/internal/scanner"
	"github.com/scanwatch/rdio-monitor/internal/storage/sqlite"
	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// perCallTimeout bounds one record's download plus transcode.
const perCallTimeout = 5 * time.Minute

// Config holds orchestrator scheduling knobs.
type Config struct {
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	HealthCheckInterval time.Duration
	MaxCallsPerRequest  int
	RetentionDays       int
	AudioWorkers        int
}

// Orchestrator drives the poll/process/maintenance loop and owns lifecycle
// and shutdown of the ingestion pipeline.
type Orchestrator struct {
	cfg      Config
	client   *scanner.Client
	store    *sqlite.CallStore
	pipeline *audio.Pipeline
	monitor  *monitor.Monitor
	detector *scanner.NewCallDetector
	logger   *logger.Logger

	mu       sync.Mutex
	state    State
	lastPoll *time.Time
}

// New creates an ingestion orchestrator.
func New(
	cfg Config,
	client *scanner.Client,
	store *sqlite.CallStore,
	pipeline *audio.Pipeline,
	mon *monitor.Monitor,
	log *logger.Logger,
) *Orchestrator {
	dedupeWindow := 24 * time.Hour
	if cfg.RetentionDays > 0 && time.Duration(cfg.RetentionDays)*24*time.Hour < dedupeWindow {
		dedupeWindow = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}

	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		store:    store,
		pipeline: pipeline,
		monitor:  mon,
		detector: scanner.NewCallDetectorWithAge(dedupeWindow, log),
		state:    StateStopped,
		logger:   log.Named("orchestrator"),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	o.logger.Info("State transition",
		logger.String("from", string(prev)),
		logger.String("to", string(s)),
	)
}

// Run starts the ingestion loop and blocks until ctx is cancelled. Startup
// validates remote connectivity and fails fast when the API is unreachable.
// On cancellation the in-flight cycle finishes, pooled connections are
// released, and Run returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateStarting)

	if !o.client.TestConnection(ctx) {
		o.setState(StateStopped)
		return fmt.Errorf("scanner API unreachable at startup")
	}

	o.setState(StateRunning)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.maintenanceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.healthLoop(ctx)
	}()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	// First cycle runs immediately rather than waiting a full interval
	o.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			o.setState(StateDraining)
			wg.Wait()
			if err := o.store.Close(); err != nil {
				o.logger.Warn("Failed to close store during drain", logger.Error(err))
			}
			o.setState(StateStopped)
			o.logger.Info("Shutdown complete")
			return nil
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

// runCycle performs one fetch/parse/persist/audio pass. The last-poll
// watermark advances only after the cycle completes, so a failed cycle is
// re-fetched; duplicate delivery is tolerated because the upsert is
// idempotent.
func (o *Orchestrator) runCycle(ctx context.Context) {
	cycleStart := time.Now()

	o.mu.Lock()
	since := o.lastPoll
	o.mu.Unlock()

	// Shutdown is cooperative: a termination signal stops the scheduling of
	// new cycles, it never severs an in-flight request or file write. Work
	// inside the cycle is bounded by per-operation timeouts instead.
	workCtx := context.WithoutCancel(ctx)

	raw := o.client.FetchCalls(workCtx, since, o.cfg.MaxCallsPerRequest)
	monitor.MetricCallsFetched.Add(float64(len(raw)))
	if len(raw) == 0 {
		if ctx.Err() == nil {
			o.logger.Debug("No new calls retrieved from API")
		}
		return
	}

	records := make([]*scanner.CallRecord, 0, len(raw))
	for _, rawCall := range raw {
		if record := o.client.ParseCallRecord(rawCall); record != nil {
			records = append(records, record)
		}
	}
	if len(records) == 0 {
		o.logger.Warn("No valid call records parsed from API response")
		return
	}

	count, err := o.store.UpsertBatch(workCtx, records)
	if err != nil {
		o.logger.Error("Failed to persist call batch", logger.Error(err))
		o.monitor.RecordError()
		monitor.MetricErrors.WithLabelValues("persist").Inc()
		return
	}
	monitor.MetricCallsUpserted.Add(float64(count))

	// Overlapping fetch windows re-deliver calls; skip audio work for the
	// ones already handled in recent cycles
	fresh := o.detector.FilterNew(records)
	o.processAudio(workCtx, fresh)

	o.mu.Lock()
	o.lastPoll = &cycleStart
	o.mu.Unlock()

	elapsed := time.Since(cycleStart)
	monitor.MetricCycleDuration.Observe(elapsed.Seconds())
	o.logger.Info("Poll cycle complete",
		logger.Int("fetched", len(raw)),
		logger.Int("persisted", count),
		logger.Int("fresh", len(fresh)),
		logger.Duration("elapsed", elapsed),
	)
}

// processAudio runs per-record audio acquisition with a bounded worker
// pool. Records are independent after the batch upsert, so a per-record
// failure is logged and never aborts the batch.
func (o *Orchestrator) processAudio(ctx context.Context, records []*scanner.CallRecord) {
	workers := o.cfg.AudioWorkers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for _, record := range records {
		record := record

		if record.AudioURL == "" {
			// Nothing to acquire; the call is complete as persisted
			start := time.Now()
			if _, err := o.store.MarkProcessed(ctx, record.CallID); err != nil {
				o.logger.Error("Failed to mark call processed",
					logger.String("call_id", record.CallID),
					logger.Error(err),
				)
				o.monitor.RecordError()
				o.detector.Forget(record.CallID)
				continue
			}
			o.monitor.RecordCallProcessed(time.Since(start))
			monitor.MetricCallsProcessed.Inc()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.processCallAudio(ctx, record)
		}()
	}
	wg.Wait()
}

// processCallAudio downloads, transcodes, and records one call's audio.
// Any failure forgets the call in the detector, so an overlapping fetch
// window gets another attempt at its audio.
func (o *Orchestrator) processCallAudio(ctx context.Context, record *scanner.CallRecord) {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	downloaded := o.pipeline.Download(callCtx, record.AudioURL, record.CallID)
	if downloaded == "" {
		o.logger.Warn("Failed to download audio for call", logger.String("call_id", record.CallID))
		o.monitor.RecordError()
		monitor.MetricErrors.WithLabelValues("download").Inc()
		o.detector.Forget(record.CallID)
		return
	}

	processed := o.pipeline.Transcode(downloaded)
	if processed == "" {
		o.logger.Warn("Failed to transcode audio for call", logger.String("call_id", record.CallID))
		o.monitor.RecordError()
		monitor.MetricErrors.WithLabelValues("transcode").Inc()
		o.detector.Forget(record.CallID)
		return
	}

	var fileSize int64
	if info, err := os.Stat(processed); err == nil {
		fileSize = info.Size()
	}
	monitor.MetricAudioBytes.Add(float64(fileSize))

	artifact := &sqlite.AudioFileRecord{
		CallID:      record.CallID,
		OriginalURL: record.AudioURL,
		LocalPath:   processed,
		FileSize:    fileSize,
		Format:      formatOf(processed),
		Checksum:    o.pipeline.Checksum(processed),
	}
	if err := o.store.InsertAudioFile(callCtx, artifact); err != nil {
		o.logger.Error("Failed to record audio artifact",
			logger.String("call_id", record.CallID),
			logger.Error(err),
		)
		o.monitor.RecordError()
		monitor.MetricErrors.WithLabelValues("persist").Inc()
		o.detector.Forget(record.CallID)
		return
	}

	if err := o.store.SetAudioFilePath(callCtx, record.CallID, processed); err != nil {
		o.logger.Error("Failed to set audio path",
			logger.String("call_id", record.CallID),
			logger.Error(err),
		)
		o.monitor.RecordError()
		o.detector.Forget(record.CallID)
		return
	}
	if _, err := o.store.MarkProcessed(callCtx, record.CallID); err != nil {
		o.logger.Error("Failed to mark call processed",
			logger.String("call_id", record.CallID),
			logger.Error(err),
		)
		o.monitor.RecordError()
		o.detector.Forget(record.CallID)
		return
	}

	o.monitor.RecordCallProcessed(time.Since(start))
	monitor.MetricCallsProcessed.Inc()
	o.logger.Debug("Processed audio for call",
		logger.String("call_id", record.CallID),
		logger.String("path", processed),
	)
}

// maintenanceLoop prunes expired rows and files and writes a stats snapshot
// on its own timer. Maintenance shares no lock with the poll cycle beyond
// the store's own pool, since a slow pass must not stall polling.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runMaintenance(ctx)
		}
	}
}

func (o *Orchestrator) runMaintenance(ctx context.Context) {
	o.logger.Info("Running maintenance tasks")

	if o.cfg.RetentionDays > 0 {
		deletedRows, err := o.store.PruneOlderThan(ctx, o.cfg.RetentionDays)
		if err != nil {
			o.logger.Error("Failed to prune old call records", logger.Error(err))
			o.monitor.RecordError()
		} else {
			o.logger.Info("Pruned call records", logger.Int64("deleted", deletedRows))
		}

		deletedFiles := o.pipeline.PruneExpired()
		o.logger.Info("Pruned audio files", logger.Int("deleted", deletedFiles))
	}

	stats := o.monitor.SystemStats()
	audioStats := o.pipeline.Stats()

	snapshot := &sqlite.StatsSnapshot{
		Timestamp:           time.Now().UTC(),
		CallsProcessed:      stats.CallsProcessed,
		AudioFilesProcessed: int64(audioStats.TotalFiles),
		TotalStorageBytes:   audioStats.TotalSizeBytes,
		AvgProcessingTime:   stats.AvgProcessingTime,
		ErrorCount:          stats.ErrorCount,
	}
	if err := o.store.InsertStatsSnapshot(ctx, snapshot); err != nil {
		o.logger.Error("Failed to write stats snapshot", logger.Error(err))
	}

	if dbStats, err := o.store.GetStatistics(ctx); err == nil {
		o.logger.Info("Store statistics",
			logger.Int64("total_calls", dbStats.TotalCalls),
			logger.Int64("processed_calls", dbStats.ProcessedCalls),
			logger.Int64("unprocessed_calls", dbStats.UnprocessedCalls),
			logger.Float64("avg_duration", dbStats.AvgDuration),
		)
	}
	o.logger.Info("Audio storage statistics",
		logger.Int("files", audioStats.TotalFiles),
		logger.Int64("bytes", audioStats.TotalSizeBytes),
	)
}

// healthLoop runs periodic health checks on an independent timer.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := o.monitor.PerformHealthCheck(ctx, o.store, o.client)
			if health.OverallStatus != monitor.StatusHealthy {
				o.logger.Warn("Health check degraded",
					logger.String("status", health.OverallStatus),
				)
			} else {
				o.logger.Debug("Health check passed")
			}
		}
	}
}

func formatOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}
