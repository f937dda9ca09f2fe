// Package registry tracks remote execution agents and their liveness.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/events"
	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultTTL is the heartbeat freshness window when callers pass none.
const DefaultTTL = 120 * time.Second

// Heartbeat carries the optional account telemetry attached to HELLO and
// HEARTBEAT frames. Zero values mean "unchanged".
type Heartbeat struct {
	UserID       string
	AccountLogin string
	Broker       string
	Currency     string
	Leverage     float64
	Balance      float64
	Equity       float64
}

type record struct {
	agent   db.Agent
	limiter *rate.Limiter // bounds durable writes to 1/s per agent
}

// Store is the persistence surface the registry needs. *db.Database
// implements it.
type Store interface {
	ListAgents(ctx context.Context) ([]db.Agent, error)
	UpsertAgent(ctx context.Context, a db.Agent) error
	AppendAudit(ctx context.Context, e db.AuditEntry) error
}

// Registry owns the agent map. All access goes through its methods; the map
// never crosses a worker boundary.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*record
	database   Store
	bus        *events.Bus
	instanceID string
}

// New creates a registry backed by the database.
func New(database Store, bus *events.Bus, instanceID string) *Registry {
	return &Registry{
		agents:     make(map[string]*record),
		database:   database,
		bus:        bus,
		instanceID: instanceID,
	}
}

// Load seeds in-memory state from the DB on startup.
func (r *Registry) Load(ctx context.Context) error {
	if r.database == nil {
		return nil
	}
	agents, err := r.database.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = &record{
			agent:   a,
			limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		}
	}
	return nil
}

// RecordHeartbeat advances last_seen and merges non-empty telemetry fields.
// A blank field never overwrites a previously known value. The durable write
// is throttled to at most once per second per agent; throttled calls update
// memory only. Storage errors are logged and swallowed so a slow or failing
// disk never stalls liveness tracking.
func (r *Registry) RecordHeartbeat(agentID string, hb Heartbeat) {
	if agentID == "" {
		return
	}
	now := time.Now()

	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		rec = &record{
			agent: db.Agent{ID: agentID, CreatedAt: now},
			// Burst 1 so the very first heartbeat writes through immediately.
			limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		}
		r.agents[agentID] = rec
		if r.bus != nil {
			r.bus.Publish(events.EventAgentConnected, agentID)
		}
	}

	prevOwner := rec.agent.UserID
	mergeHeartbeat(&rec.agent, hb)
	if now.After(rec.agent.LastSeen) {
		rec.agent.LastSeen = now
	}
	snapshot := rec.agent
	persist := rec.limiter.Allow()
	r.mu.Unlock()

	if hb.UserID != "" && prevOwner != "" && hb.UserID != prevOwner {
		log.Warn().
			Str("agent", agentID).
			Str("old_user", prevOwner).
			Str("new_user", hb.UserID).
			Msg("agent owning user changed")
		r.audit("agent_owner_drift", agentID, hb.UserID,
			fmt.Sprintf("owner changed from %s to %s", prevOwner, hb.UserID))
	}

	if persist && r.database != nil {
		// Independent write path per heartbeat: one agent's slow write must
		// not block freshness checks or other agents' heartbeats.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.database.UpsertAgent(ctx, snapshot); err != nil {
				log.Error().Err(err).Str("agent", agentID).Msg("persist heartbeat failed")
			}
		}()
	}
}

func mergeHeartbeat(a *db.Agent, hb Heartbeat) {
	if hb.UserID != "" {
		a.UserID = hb.UserID
	}
	if hb.AccountLogin != "" {
		a.AccountLogin = hb.AccountLogin
	}
	if hb.Broker != "" {
		a.Broker = hb.Broker
	}
	if hb.Currency != "" {
		a.Currency = hb.Currency
	}
	if hb.Leverage != 0 {
		a.Leverage = hb.Leverage
	}
	if hb.Balance != 0 {
		a.Balance = hb.Balance
	}
	if hb.Equity != 0 {
		a.Equity = hb.Equity
	}
}

// IsFresh reports whether the agent exists and heartbeated within ttl.
// Unknown agents are never fresh.
func (r *Registry) IsFresh(agentID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return time.Since(rec.agent.LastSeen) <= ttl
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (db.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return db.Agent{}, false
	}
	return rec.agent, true
}

// Snapshot returns copies of all known agents.
func (r *Registry) Snapshot() []db.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]db.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.agent)
	}
	return out
}

// Count returns the number of known agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) audit(kind, subject, userID, detail string) {
	if r.database == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.database.AppendAudit(ctx, db.AuditEntry{
		Kind:       kind,
		Subject:    subject,
		UserID:     userID,
		Detail:     detail,
		InstanceID: r.instanceID,
	}); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("audit write failed")
	}
}

// backdate is a test hook: it moves an agent's last_seen into the past.
func (r *Registry) backdate(agentID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		rec.agent.LastSeen = rec.agent.LastSeen.Add(-d)
	}
}
