package router

import (
	"context"
	"testing"
	"time"
)

func drainAll(t *testing.T, pq *PersistentQueue) []FireCommand {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var got []FireCommand
	pq.Drain(ctx, func(cmd FireCommand) { got = append(got, cmd) })
	return got
}

func TestPersistentQueueRecoversIncomplete(t *testing.T) {
	dir := t.TempDir()

	pq, err := NewPersistentQueue(dir, 16)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if !pq.Enqueue(FireCommand{FireID: "f1", AgentID: "a1", RequestedAt: time.Now()}) {
		t.Fatal("enqueue f1 failed")
	}
	if !pq.Enqueue(FireCommand{FireID: "f2", AgentID: "a1", RequestedAt: time.Now()}) {
		t.Fatal("enqueue f2 failed")
	}
	pq.MarkComplete("f1")
	if err := pq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Restart: only the incomplete command comes back.
	pq2, err := NewPersistentQueue(dir, 16)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer pq2.Close()
	if err := pq2.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got := drainAll(t, pq2)
	if len(got) != 1 || got[0].FireID != "f2" {
		t.Fatalf("recovered=%v, expected only f2", got)
	}
	if pq2.GetMetrics().Recovered != 1 {
		t.Fatalf("recovered metric=%d, expected 1", pq2.GetMetrics().Recovered)
	}
}

func TestPersistentQueueMarkCompleteUnknownID(t *testing.T) {
	pq, err := NewPersistentQueue(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer pq.Close()

	pq.MarkComplete("never-enqueued")
	if got := pq.GetMetrics().Completed; got != 0 {
		t.Fatalf("completed=%d, expected 0", got)
	}
}

func TestPersistentQueueRejectsAfterClose(t *testing.T) {
	pq, err := NewPersistentQueue(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	pq.Close()

	if pq.Enqueue(FireCommand{FireID: "f1"}) {
		t.Fatal("enqueue accepted after close")
	}
}

func TestPersistentQueuePendingTracking(t *testing.T) {
	pq, err := NewPersistentQueue(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer pq.Close()

	pq.Enqueue(FireCommand{FireID: "f1"})
	pq.Enqueue(FireCommand{FireID: "f2"})
	if got := pq.Pending(); got != 2 {
		t.Fatalf("pending=%d, expected 2", got)
	}
	pq.MarkComplete("f1")
	if got := pq.Pending(); got != 1 {
		t.Fatalf("pending=%d, expected 1", got)
	}
}
