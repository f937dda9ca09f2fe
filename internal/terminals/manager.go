// Package terminals hands out a scarce pool of provisioned trading terminals.
package terminals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bridge-core/internal/persistence"
	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
)

// Terminal types and statuses.
const (
	TypePressPass = "PRESS_PASS"
	TypeDemo      = "DEMO"
	TypeLive      = "LIVE"

	StatusActive      = "ACTIVE"
	StatusMaintenance = "MAINTENANCE"
)

type terminal struct {
	id       string
	ttype    string
	status   string
	capacity int
	users    map[string]struct{}
}

// Handle describes a granted terminal assignment.
type Handle struct {
	TerminalID string `json:"terminal_id"`
	Type       string `json:"type"`
}

// Manager owns the terminal pool. Assignment is a synchronous allocation or
// an immediate denial; there is no queueing.
type Manager struct {
	mu        sync.Mutex
	terminals map[string]*terminal

	database   *db.Database
	audit      *persistence.AuditWriter
	instanceID string
}

// NewManager creates a terminal pool manager.
func NewManager(database *db.Database, audit *persistence.AuditWriter, instanceID string) *Manager {
	return &Manager{
		terminals:  make(map[string]*terminal),
		database:   database,
		audit:      audit,
		instanceID: instanceID,
	}
}

// Load seeds the pool from the terminal table.
func (m *Manager) Load(ctx context.Context) error {
	if m.database == nil {
		return nil
	}
	rows, err := m.database.ListTerminals(ctx, "")
	if err != nil {
		return fmt.Errorf("load terminals: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		t := &terminal{
			id:       row.ID,
			ttype:    row.Type,
			status:   row.Status,
			capacity: row.Capacity,
			users:    make(map[string]struct{}, len(row.Users)),
		}
		for _, u := range row.Users {
			t.users[u] = struct{}{}
		}
		m.terminals[t.id] = t
	}
	return nil
}

// Add registers a terminal in the pool.
func (m *Manager) Add(ctx context.Context, id, terminalType string, capacity int) error {
	if capacity <= 0 {
		capacity = 1
	}
	m.mu.Lock()
	m.terminals[id] = &terminal{
		id:       id,
		ttype:    terminalType,
		status:   StatusActive,
		capacity: capacity,
		users:    make(map[string]struct{}),
	}
	m.mu.Unlock()

	if m.database != nil {
		return m.database.UpsertTerminal(ctx, db.Terminal{
			ID: id, Type: terminalType, Status: StatusActive, Capacity: capacity,
		})
	}
	return nil
}

// Assign grants the user a terminal of the requested type, or returns nil
// with a reason. Terminals with the most spare capacity are preferred; id
// order breaks ties, so repeated calls scan deterministically.
func (m *Manager) Assign(ctx context.Context, userID, terminalType string) (*Handle, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*terminal
	for _, t := range m.terminals {
		if t.ttype != terminalType {
			continue
		}
		// An existing assignment is returned as-is rather than double-booked.
		if _, ok := t.users[userID]; ok {
			return &Handle{TerminalID: t.id, Type: t.ttype}, "already assigned"
		}
		if t.status != StatusActive || len(t.users) >= t.capacity {
			continue
		}
		candidates = append(candidates, t)
	}

	if len(candidates) == 0 {
		return nil, fmt.Sprintf("no %s terminal with spare capacity", terminalType)
	}

	sort.Slice(candidates, func(i, j int) bool {
		spareI := candidates[i].capacity - len(candidates[i].users)
		spareJ := candidates[j].capacity - len(candidates[j].users)
		if spareI != spareJ {
			return spareI > spareJ
		}
		return candidates[i].id < candidates[j].id
	})

	t := candidates[0]
	t.users[userID] = struct{}{}

	if m.database != nil {
		if err := m.database.AddTerminalUser(ctx, t.id, userID); err != nil {
			delete(t.users, userID)
			log.Error().Err(err).Str("terminal", t.id).Str("user", userID).Msg("persist assignment failed")
			return nil, "assignment storage unavailable"
		}
	}

	m.auditEntry("terminal_assign", t.id, userID, fmt.Sprintf("assigned %s terminal", terminalType))
	log.Info().Str("terminal", t.id).Str("user", userID).Str("type", terminalType).Msg("terminal assigned")
	return &Handle{TerminalID: t.id, Type: t.ttype}, "ok"
}

// Release removes the user's assignment for the given terminal type.
func (m *Manager) Release(ctx context.Context, userID, terminalType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.terminals {
		if t.ttype != terminalType {
			continue
		}
		if _, ok := t.users[userID]; !ok {
			continue
		}
		delete(t.users, userID)
		if m.database != nil {
			if err := m.database.RemoveTerminalUser(ctx, t.id, userID); err != nil {
				log.Error().Err(err).Str("terminal", t.id).Str("user", userID).Msg("persist release failed")
			}
		}
		m.auditEntry("terminal_release", t.id, userID, fmt.Sprintf("released %s terminal", terminalType))
		log.Info().Str("terminal", t.id).Str("user", userID).Msg("terminal released")
		return
	}
}

// SetStatus flips a terminal between ACTIVE and MAINTENANCE. Maintenance
// removes the terminal from future scans but never evicts assigned users.
func (m *Manager) SetStatus(ctx context.Context, terminalID, status string) error {
	if status != StatusActive && status != StatusMaintenance {
		return fmt.Errorf("unknown terminal status %q", status)
	}

	m.mu.Lock()
	t, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return db.ErrNotFound
	}
	t.status = status
	m.mu.Unlock()

	if m.database != nil {
		if err := m.database.SetTerminalStatus(ctx, terminalID, status); err != nil {
			return err
		}
	}
	m.auditEntry("terminal_status", terminalID, "", "status set to "+status)
	return nil
}

// Snapshot is the API-facing pool view.
type Snapshot struct {
	TerminalID string    `json:"terminal_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Capacity   int       `json:"capacity"`
	Assigned   []string  `json:"assigned_user_ids"`
	AsOf       time.Time `json:"as_of"`
}

// List returns the current pool state.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(m.terminals))
	for _, t := range m.terminals {
		users := make([]string, 0, len(t.users))
		for u := range t.users {
			users = append(users, u)
		}
		sort.Strings(users)
		out = append(out, Snapshot{
			TerminalID: t.id,
			Type:       t.ttype,
			Status:     t.status,
			Capacity:   t.capacity,
			Assigned:   users,
			AsOf:       now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out
}

func (m *Manager) auditEntry(kind, terminalID, userID, detail string) {
	if m.audit == nil {
		return
	}
	m.audit.Append(db.AuditEntry{
		Kind:       kind,
		Subject:    terminalID,
		UserID:     userID,
		Detail:     detail,
		InstanceID: m.instanceID,
	})
}
