// Package slots enforces per-user concurrency limits on open positions and
// reconciles slot state against authoritative trade outcomes.
package slots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/events"
	"bridge-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Slot types, statuses, and close reasons.
const (
	TypeAuto   = "AUTO"
	TypeManual = "MANUAL"

	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"

	ReasonResult        = "trade_result"
	ReasonTradeTerminal = "trade_terminal"
	ReasonStale         = "stale_force_close"
)

// DefaultStaleWindow force-closes slots left open this long.
const DefaultStaleWindow = 24 * time.Hour

// LimitProvider resolves the tier-configured open-slot maximum. Implemented
// by the risk controller.
type LimitProvider interface {
	SlotLimit(userID, slotType string) int
}

type countKey struct {
	userID   string
	slotType string
}

// Manager owns slot admission. The in-memory counters are a cache; the slot
// table is the source of truth and Reconcile repairs any drift.
type Manager struct {
	mu     sync.Mutex
	counts map[countKey]int

	database    *db.Database
	limits      LimitProvider
	bus         *events.Bus
	staleWindow time.Duration
	instanceID  string
}

// NewManager creates a slot manager.
func NewManager(database *db.Database, limits LimitProvider, bus *events.Bus, instanceID string) *Manager {
	return &Manager{
		counts:      make(map[countKey]int),
		database:    database,
		limits:      limits,
		bus:         bus,
		staleWindow: DefaultStaleWindow,
		instanceID:  instanceID,
	}
}

// SetStaleWindow overrides the force-close window.
func (m *Manager) SetStaleWindow(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.staleWindow = d
	}
}

// Load seeds the in-use counters from the slot table on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.database == nil {
		return nil
	}
	open, err := m.database.ListOpenSlots(ctx)
	if err != nil {
		return fmt.Errorf("load open slots: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[countKey]int, len(open))
	for _, s := range open {
		m.counts[countKey{s.UserID, s.SlotType}]++
	}
	return nil
}

// TryOpenSlot admits one more concurrent position for (user, slotType) if the
// tier limit allows it. Admission is serialized under the manager's lock so
// two concurrent requests cannot both observe the same free slot.
func (m *Manager) TryOpenSlot(ctx context.Context, userID, missionID, slotType string) (bool, string) {
	limit := m.limits.SlotLimit(userID, slotType)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := countKey{userID, slotType}
	if limit > 0 && m.counts[key] >= limit {
		return false, fmt.Sprintf("slot limit reached: %d/%d %s slots in use", m.counts[key], limit, slotType)
	}

	if m.database != nil {
		s := db.Slot{
			ID:        uuid.NewString(),
			UserID:    userID,
			MissionID: missionID,
			SlotType:  slotType,
			Status:    StatusOpen,
			OpenedAt:  time.Now(),
		}
		if err := m.database.CreateSlot(ctx, s); err != nil {
			// No durable slot row means no admission: the counter cache must
			// never run ahead of the table.
			log.Error().Err(err).Str("user", userID).Str("mission", missionID).Msg("create slot failed")
			return false, "slot storage unavailable"
		}
	}

	m.counts[key]++
	return true, "ok"
}

// CloseSlot releases the open slot for (user, mission). Closing an already
// closed or unknown slot is a no-op.
func (m *Manager) CloseSlot(ctx context.Context, userID, missionID string) {
	m.closeSlot(ctx, userID, missionID, ReasonResult)
}

func (m *Manager) closeSlot(ctx context.Context, userID, missionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.database == nil {
		return
	}
	n, err := m.database.CloseSlot(ctx, userID, missionID, reason)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Str("mission", missionID).Msg("close slot failed")
		return
	}
	if n == 0 {
		return
	}

	// The update does not tell us the slot type; recount both from the table.
	m.recountUserLocked(ctx, userID)
}

// recountUserLocked refreshes the cached counters for one user from the table.
func (m *Manager) recountUserLocked(ctx context.Context, userID string) {
	for _, slotType := range []string{TypeAuto, TypeManual} {
		n, err := m.database.CountOpenSlots(ctx, userID, slotType)
		if err != nil {
			log.Error().Err(err).Str("user", userID).Msg("recount slots failed")
			continue
		}
		key := countKey{userID, slotType}
		if n == 0 {
			delete(m.counts, key)
		} else {
			m.counts[key] = n
		}
	}
}

// InUse returns the cached open-slot count for (user, slotType).
func (m *Manager) InUse(userID, slotType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[countKey{userID, slotType}]
}

// Report summarizes one reconciliation pass.
type Report struct {
	Timestamp      time.Time `json:"timestamp"`
	ClosedTerminal int       `json:"closed_terminal"`
	ClosedStale    int       `json:"closed_stale"`
	DriftCorrected int       `json:"drift_corrected"`
}

// Reconcile closes slots whose trade already reached a terminal status and
// slots open longer than the stale window, then repairs the cached counters
// against the table.
func (m *Manager) Reconcile(ctx context.Context) (*Report, error) {
	if m.database == nil {
		return &Report{Timestamp: time.Now()}, nil
	}

	report := &Report{Timestamp: time.Now()}

	// 1. Slots whose authoritative trade is already terminal.
	terminal, err := m.database.ListOpenSlotsWithTerminalTrades(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range terminal {
		if err := m.database.CloseSlotByID(ctx, s.ID, ReasonTradeTerminal); err != nil {
			log.Error().Err(err).Str("slot", s.ID).Msg("reconcile close failed")
			continue
		}
		report.ClosedTerminal++
		m.audit(ctx, s, ReasonTradeTerminal)
	}

	// 2. Slots open past the stale window.
	m.mu.Lock()
	window := m.staleWindow
	m.mu.Unlock()
	stale, err := m.database.ListOpenSlotsOlderThan(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	for _, s := range stale {
		if err := m.database.CloseSlotByID(ctx, s.ID, ReasonStale); err != nil {
			log.Error().Err(err).Str("slot", s.ID).Msg("reconcile stale close failed")
			continue
		}
		report.ClosedStale++
		m.audit(ctx, s, ReasonStale)
		log.Warn().Str("slot", s.ID).Str("user", s.UserID).
			Time("opened_at", s.OpenedAt).Msg("force-closed stale slot")
	}

	// 3. Counters are a cache; rebuild them from actually-open slots.
	open, err := m.database.ListOpenSlots(ctx)
	if err != nil {
		return nil, err
	}
	fresh := make(map[countKey]int, len(open))
	for _, s := range open {
		fresh[countKey{s.UserID, s.SlotType}]++
	}

	m.mu.Lock()
	for key, cached := range m.counts {
		if fresh[key] != cached {
			report.DriftCorrected++
		}
	}
	for key := range fresh {
		if _, ok := m.counts[key]; !ok {
			report.DriftCorrected++
		}
	}
	m.counts = fresh
	m.mu.Unlock()

	if report.ClosedTerminal > 0 || report.ClosedStale > 0 || report.DriftCorrected > 0 {
		log.Info().
			Int("closed_terminal", report.ClosedTerminal).
			Int("closed_stale", report.ClosedStale).
			Int("drift_corrected", report.DriftCorrected).
			Msg("slot reconciliation applied changes")
		if m.bus != nil {
			m.bus.Publish(events.EventSlotReconciled, *report)
		}
	}

	return report, nil
}

// Start runs Reconcile on an interval until ctx is canceled.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Reconcile(ctx); err != nil {
					log.Error().Err(err).Msg("slot reconciliation failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("slot reconciliation started")
}

func (m *Manager) audit(ctx context.Context, s db.Slot, reason string) {
	if err := m.database.AppendAudit(ctx, db.AuditEntry{
		Kind:       "slot_reconciled",
		Subject:    s.MissionID,
		UserID:     s.UserID,
		Detail:     fmt.Sprintf("slot %s closed: %s", s.ID, reason),
		InstanceID: m.instanceID,
	}); err != nil {
		log.Error().Err(err).Str("slot", s.ID).Msg("reconcile audit failed")
	}
}
