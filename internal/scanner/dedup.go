package scanner

import (
	"sync"
	"time"

	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// NewCallDetector tracks which call IDs were seen in recent poll cycles.
// Fetch windows deliberately overlap to avoid gaps, so the same call can
// arrive more than once; persistence is idempotent either way, but re-running
// the audio pipeline for a call already handled would waste bandwidth and
// disk churn. A call whose handling failed is forgotten again, so the next
// overlapping window retries it.
type NewCallDetector struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	maxAge time.Duration
	logger *logger.Logger
}

// NewCallDetectorWithAge creates a detector that forgets call IDs older
// than maxAge.
func NewCallDetectorWithAge(maxAge time.Duration, logger *logger.Logger) *NewCallDetector {
	return &NewCallDetector{
		seen:   make(map[string]time.Time),
		maxAge: maxAge,
		logger: logger.Named("call-detector"),
	}
}

// FilterNew returns the records not seen in recent cycles and marks all of
// them as seen. Eviction of stale entries happens on every call, keeping the
// map bounded to roughly one retention window of call IDs.
func (d *NewCallDetector) FilterNew(records []*CallRecord) []*CallRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.evict(now)

	fresh := make([]*CallRecord, 0, len(records))
	duplicates := 0
	for _, record := range records {
		if _, exists := d.seen[record.CallID]; exists {
			duplicates++
		} else {
			fresh = append(fresh, record)
		}
		d.seen[record.CallID] = now
	}

	if duplicates > 0 {
		d.logger.Debug("Skipped duplicate calls from overlapping fetch window",
			logger.Int("duplicates", duplicates),
			logger.Int("fresh", len(fresh)),
		)
	}
	return fresh
}

// Forget drops a call ID so the next overlapping fetch window treats it as
// new again. Called when handling a call failed partway.
func (d *NewCallDetector) Forget(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, callID)
}

// Seen reports whether a call ID was observed in a recent cycle.
func (d *NewCallDetector) Seen(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.seen[callID]
	return exists
}

// evict removes stale entries. Caller holds the lock.
func (d *NewCallDetector) evict(now time.Time) {
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) > d.maxAge {
			delete(d.seen, id)
		}
	}
}
