package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Queue buffers fire commands between intake and dispatch.
type Queue struct {
	ch chan FireCommand
}

// NewQueue creates a buffered command queue.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan FireCommand, size)}
}

func (q *Queue) Enqueue(cmd FireCommand) {
	q.ch <- cmd
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes commands with a handler until ctx is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(FireCommand)) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-q.ch:
			if !ok {
				return
			}
			handler(cmd)
		}
	}
}

// PersistentQueue wraps Queue with a write-ahead log so accepted fire
// commands survive a restart. A command is logged before it is queued and
// marked complete once it reaches a terminal disposition.
type PersistentQueue struct {
	queue      *Queue
	walPath    string
	walFile    *os.File
	mu         sync.Mutex
	metrics    QueueMetrics
	processing map[string]bool
	closed     bool
}

// QueueMetrics tracks persistence statistics.
type QueueMetrics struct {
	Written   uint64 `json:"written"`
	Recovered uint64 `json:"recovered"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type walEntry struct {
	Action    string      `json:"action"` // "ENQUEUE" or "COMPLETE"
	Command   FireCommand `json:"command"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewPersistentQueue creates the queue with its WAL under walDir.
func NewPersistentQueue(walDir string, queueSize int) (*PersistentQueue, error) {
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	walPath := filepath.Join(walDir, "fire_queue.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &PersistentQueue{
		queue:      NewQueue(queueSize),
		walPath:    walPath,
		walFile:    file,
		processing: make(map[string]bool),
	}, nil
}

// Recover re-enqueues commands that were logged but never completed. Call
// before Drain.
func (pq *PersistentQueue) Recover() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	file, err := os.Open(pq.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]FireCommand)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt WAL entry")
			continue
		}
		switch entry.Action {
		case "ENQUEUE":
			enqueued[entry.Command.FireID] = entry.Command
		case "COMPLETE":
			completed[entry.Command.FireID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan error: %w", err)
	}

	recovered := 0
	for id, cmd := range enqueued {
		if !completed[id] {
			pq.processing[id] = true
			pq.queue.Enqueue(cmd)
			recovered++
		}
	}

	atomic.AddUint64(&pq.metrics.Recovered, uint64(recovered))
	if recovered > 0 {
		log.Info().Int("commands", recovered).Msg("recovered pending fire commands from WAL")
	}

	if recovered > 0 || len(completed) > 10 {
		if err := pq.compactWAL(enqueued, completed); err != nil {
			log.Warn().Err(err).Msg("WAL compaction failed")
		}
	}
	return nil
}

// compactWAL rewrites the log keeping only pending entries.
func (pq *PersistentQueue) compactWAL(enqueued map[string]FireCommand, completed map[string]bool) error {
	tempPath := pq.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	for id, cmd := range enqueued {
		if completed[id] {
			continue
		}
		entry := walEntry{Action: "ENQUEUE", Command: cmd, Timestamp: cmd.RequestedAt}
		if err := encoder.Encode(entry); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	pq.walFile.Close()
	if err := os.Rename(tempPath, pq.walPath); err != nil {
		return err
	}
	pq.walFile, err = os.OpenFile(pq.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

// Enqueue logs the command to the WAL, syncs, then queues it. A command that
// cannot be made durable is not accepted.
func (pq *PersistentQueue) Enqueue(cmd FireCommand) bool {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return false
	}

	entry := walEntry{Action: "ENQUEUE", Command: cmd, Timestamp: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		log.Error().Err(err).Str("fire_id", cmd.FireID).Msg("WAL marshal failed")
		return false
	}
	if _, err := pq.walFile.Write(append(data, '\n')); err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		log.Error().Err(err).Str("fire_id", cmd.FireID).Msg("WAL write failed")
		return false
	}
	if err := pq.walFile.Sync(); err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		log.Error().Err(err).Str("fire_id", cmd.FireID).Msg("WAL sync failed")
		return false
	}

	pq.processing[cmd.FireID] = true
	atomic.AddUint64(&pq.metrics.Written, 1)
	pq.mu.Unlock()

	pq.queue.Enqueue(cmd)
	return true
}

// MarkComplete records a terminal disposition in the WAL. The completion
// record is not synced; a crash replays the command and the fire_id keeps the
// replay idempotent downstream.
func (pq *PersistentQueue) MarkComplete(fireID string) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if !pq.processing[fireID] {
		return
	}

	entry := walEntry{
		Action:    "COMPLETE",
		Command:   FireCommand{FireID: fireID},
		Timestamp: time.Now(),
	}
	data, _ := json.Marshal(entry)
	if _, err := pq.walFile.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Str("fire_id", fireID).Msg("WAL complete write failed")
		return
	}

	delete(pq.processing, fireID)
	atomic.AddUint64(&pq.metrics.Completed, 1)
}

// Drain consumes commands until ctx is canceled.
func (pq *PersistentQueue) Drain(ctx context.Context, handler func(FireCommand)) {
	pq.queue.Drain(ctx, handler)
}

// Pending returns the number of commands logged but not yet completed.
func (pq *PersistentQueue) Pending() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.processing)
}

// GetMetrics returns a snapshot of queue counters.
func (pq *PersistentQueue) GetMetrics() QueueMetrics {
	return QueueMetrics{
		Written:   atomic.LoadUint64(&pq.metrics.Written),
		Recovered: atomic.LoadUint64(&pq.metrics.Recovered),
		Completed: atomic.LoadUint64(&pq.metrics.Completed),
		Failed:    atomic.LoadUint64(&pq.metrics.Failed),
	}
}

// Close stops intake and closes the WAL file.
func (pq *PersistentQueue) Close() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.closed {
		return nil
	}
	pq.closed = true
	pq.queue.Close()
	return pq.walFile.Close()
}
