// Package persistence batches non-critical database writes so high-frequency
// audit traffic cannot stall the hot path.
package persistence

import (
	"sync"
	"sync/atomic"
	"time"

	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
)

// AuditWriter buffers audit rows and flushes them in transactions. Outcome
// log writes never go through here: those must fail hard, synchronously.
type AuditWriter struct {
	database    *db.Database
	buffer      []db.AuditEntry
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
	metrics     Metrics
}

// Metrics provides statistics about batched audit writes.
type Metrics struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
}

// NewAuditWriter creates a writer flushing at maxSize entries or every interval.
func NewAuditWriter(database *db.Database, maxSize int, interval time.Duration) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &AuditWriter{
		database:    database,
		buffer:      make([]db.AuditEntry, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.backgroundFlush()

	return w
}

// Append queues one audit entry.
func (w *AuditWriter) Append(e db.AuditEntry) {
	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		w.Flush()
	}
}

// Flush writes all buffered entries now.
func (w *AuditWriter) Flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]db.AuditEntry, 0, w.maxSize)
	w.mu.Unlock()

	w.writeBatch(entries)
}

func (w *AuditWriter) writeBatch(entries []db.AuditEntry) {
	if len(entries) == 0 || w.database == nil {
		return
	}

	atomic.AddUint64(&w.metrics.TotalWrites, uint64(len(entries)))
	atomic.AddUint64(&w.metrics.TotalBatches, 1)

	tx, err := w.database.DB.Begin()
	if err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		log.Error().Err(err).Msg("audit batch: begin failed")
		return
	}

	for _, e := range entries {
		if _, err := tx.Exec(`
			INSERT INTO audit_log (kind, subject, user_id, detail, instance_id)
			VALUES (?, ?, ?, ?, ?)
		`, e.Kind, e.Subject, e.UserID, e.Detail, e.InstanceID); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&w.metrics.TotalErrors, 1)
			log.Error().Err(err).Msg("audit batch: insert failed, rolling back")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		log.Error().Err(err).Msg("audit batch: commit failed")
	}
}

func (w *AuditWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.done:
			w.Flush()
			return
		}
	}
}

// Pending returns the number of buffered entries.
func (w *AuditWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// GetMetrics returns a snapshot of the writer's counters.
func (w *AuditWriter) GetMetrics() Metrics {
	return Metrics{
		TotalWrites:  atomic.LoadUint64(&w.metrics.TotalWrites),
		TotalBatches: atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalErrors:  atomic.LoadUint64(&w.metrics.TotalErrors),
	}
}

// Close flushes and stops the background goroutine.
func (w *AuditWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
