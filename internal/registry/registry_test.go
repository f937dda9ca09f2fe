package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"bridge-core/pkg/db"
)

type countingStore struct {
	upserts uint64
}

func (c *countingStore) ListAgents(ctx context.Context) ([]db.Agent, error) { return nil, nil }

func (c *countingStore) UpsertAgent(ctx context.Context, a db.Agent) error {
	atomic.AddUint64(&c.upserts, 1)
	return nil
}

func (c *countingStore) AppendAudit(ctx context.Context, e db.AuditEntry) error { return nil }

func (c *countingStore) count() uint64 { return atomic.LoadUint64(&c.upserts) }

func TestUnknownAgentNeverFresh(t *testing.T) {
	r := New(nil, nil, "test")
	if r.IsFresh("ghost", DefaultTTL) {
		t.Fatal("unknown agent reported fresh")
	}
}

func TestFreshnessWindow(t *testing.T) {
	r := New(nil, nil, "test")
	r.RecordHeartbeat("agent-1", Heartbeat{UserID: "u1"})

	ttl := 120 * time.Second
	if !r.IsFresh("agent-1", ttl) {
		t.Fatal("just-seen agent reported stale")
	}

	// 140 seconds of silence against a 120 second window.
	r.backdate("agent-1", 140*time.Second)
	if r.IsFresh("agent-1", ttl) {
		t.Fatal("agent silent past the ttl reported fresh")
	}

	// A heartbeat restores freshness immediately.
	r.RecordHeartbeat("agent-1", Heartbeat{})
	if !r.IsFresh("agent-1", ttl) {
		t.Fatal("agent stale after fresh heartbeat")
	}
}

func TestHeartbeatMergePreservesKnownFields(t *testing.T) {
	r := New(nil, nil, "test")
	r.RecordHeartbeat("agent-1", Heartbeat{
		UserID:       "u1",
		AccountLogin: "12345",
		Broker:       "BrokerOne",
		Balance:      5000,
	})

	// A sparse heartbeat must not blank previously known values.
	r.RecordHeartbeat("agent-1", Heartbeat{Balance: 5100})

	a, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("agent missing")
	}
	if a.UserID != "u1" || a.AccountLogin != "12345" || a.Broker != "BrokerOne" {
		t.Fatalf("identity fields lost: %+v", a)
	}
	if a.Balance != 5100 {
		t.Fatalf("balance=%v, expected updated value 5100", a.Balance)
	}
}

func TestHeartbeatLastSeenMonotonic(t *testing.T) {
	r := New(nil, nil, "test")
	r.RecordHeartbeat("agent-1", Heartbeat{})
	first, _ := r.Get("agent-1")

	r.RecordHeartbeat("agent-1", Heartbeat{})
	second, _ := r.Get("agent-1")

	if second.LastSeen.Before(first.LastSeen) {
		t.Fatalf("last_seen moved backwards: %v -> %v", first.LastSeen, second.LastSeen)
	}
}

func TestHeartbeatWriteThrottle(t *testing.T) {
	store := &countingStore{}
	r := New(store, nil, "test")

	// Hammer far faster than once per second. Memory must track every
	// heartbeat while durable writes stay throttled.
	const n = 2000
	for i := 1; i <= n; i++ {
		r.RecordHeartbeat("agent-1", Heartbeat{Balance: float64(i)})
	}

	a, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("agent missing")
	}
	if a.Balance != n {
		t.Fatalf("balance=%v, throttled heartbeats must still update memory", a.Balance)
	}

	// Writes run on their own goroutines; give the first one a moment.
	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first heartbeat was never written through")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// At most one write per second per agent: the burst write, plus one more
	// if the loop straddled a second boundary.
	if got := store.count(); got > 2 {
		t.Fatalf("upserts=%d for one agent in under a second, expected at most 2", got)
	}

	// Another agent spends its own budget, not agent-1's.
	before := store.count()
	r.RecordHeartbeat("agent-2", Heartbeat{UserID: "u2"})
	deadline = time.Now().Add(2 * time.Second)
	for store.count() < before+1 {
		if time.Now().After(deadline) {
			t.Fatalf("upserts=%d, expected %d after a second agent's first heartbeat", store.count(), before+1)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotAndCount(t *testing.T) {
	r := New(nil, nil, "test")
	r.RecordHeartbeat("agent-1", Heartbeat{})
	r.RecordHeartbeat("agent-2", Heartbeat{})
	r.RecordHeartbeat("agent-1", Heartbeat{}) // repeat, no duplicate

	if got := r.Count(); got != 2 {
		t.Fatalf("count=%d, expected 2", got)
	}
	if got := len(r.Snapshot()); got != 2 {
		t.Fatalf("snapshot len=%d, expected 2", got)
	}
}
