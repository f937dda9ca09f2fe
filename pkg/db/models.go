package db

import (
	"database/sql"
	"time"
)

// Agent is the durable record for a remote execution agent.
type Agent struct {
	ID           string
	UserID       string
	AccountLogin string
	Broker       string
	Currency     string
	Leverage     float64
	Balance      float64
	Equity       float64
	LastSeen     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RiskProfile is the per-user risk state row.
type RiskProfile struct {
	UserID              string
	Tier                string
	Mode                string
	DailyTradeCount     int
	DailyLoss           float64
	ConsecutiveHRLosses int
	CooldownUntil       sql.NullTime
	LastResetDate       string
	UpdatedAt           time.Time
}

// Slot is one concurrency-accounting unit for an open position.
type Slot struct {
	ID          string
	UserID      string
	MissionID   string
	SlotType    string
	Status      string
	CloseReason string
	OpenedAt    time.Time
	ClosedAt    sql.NullTime
}

// Trade statuses. CLOSED, FAILED and CANCELLED are terminal; the slot
// reconciler treats any of them as "position no longer live".
const (
	TradeFired     = "FIRED"
	TradeOpen      = "OPEN"
	TradeClosed    = "CLOSED"
	TradeFailed    = "FAILED"
	TradeCancelled = "CANCELLED"
)

// Trade is the authoritative status record for one fired trade.
type Trade struct {
	FireID    string
	UserID    string
	AgentID   string
	Symbol    string
	Direction string
	Status    string
	Ticket    string
	Price     float64
	PnL       float64
	UpdatedAt time.Time
}

// Terminal is one provisioned trading-platform instance in the capacity pool.
type Terminal struct {
	ID        string
	Type      string
	Status    string
	Capacity  int
	Users     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome is one row in the append-only disposition/result log.
type Outcome struct {
	ID         string
	FireID     string
	Kind       string // "disposition" or "result"
	Status     string
	AgentID    string
	UserID     string
	Symbol     string
	Direction  string
	Ticket     string
	Price      float64
	Message    string
	InstanceID string
	CreatedAt  time.Time
}

// AuditEntry is one row in the general audit log (assignment history,
// identity drift, reconciliation events).
type AuditEntry struct {
	Kind       string
	Subject    string
	UserID     string
	Detail     string
	InstanceID string
	CreatedAt  time.Time
}
