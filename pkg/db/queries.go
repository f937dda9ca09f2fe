package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
)

// ----------------------------------------
// Agent queries
// ----------------------------------------

// UpsertAgent writes the latest agent snapshot. Previously known non-empty
// fields survive a heartbeat that arrives with those fields blank.
func (d *Database) UpsertAgent(ctx context.Context, a Agent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, account_login, broker, currency, leverage, balance, equity, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id       = COALESCE(NULLIF(excluded.user_id, ''), agents.user_id),
			account_login = COALESCE(NULLIF(excluded.account_login, ''), agents.account_login),
			broker        = COALESCE(NULLIF(excluded.broker, ''), agents.broker),
			currency      = COALESCE(NULLIF(excluded.currency, ''), agents.currency),
			leverage      = CASE WHEN excluded.leverage  != 0 THEN excluded.leverage  ELSE agents.leverage  END,
			balance       = CASE WHEN excluded.balance   != 0 THEN excluded.balance   ELSE agents.balance   END,
			equity        = CASE WHEN excluded.equity    != 0 THEN excluded.equity    ELSE agents.equity    END,
			last_seen     = MAX(agents.last_seen, excluded.last_seen),
			updated_at    = CURRENT_TIMESTAMP
	`, a.ID, a.UserID, a.AccountLogin, a.Broker, a.Currency, a.Leverage, a.Balance, a.Equity, a.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent returns one agent row or ErrNotFound.
func (d *Database) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, COALESCE(user_id,''), COALESCE(account_login,''), COALESCE(broker,''),
		       COALESCE(currency,''), leverage, balance, equity, last_seen, created_at, updated_at
		FROM agents WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.AccountLogin, &a.Broker, &a.Currency,
		&a.Leverage, &a.Balance, &a.Equity, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all known agents.
func (d *Database) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(user_id,''), COALESCE(account_login,''), COALESCE(broker,''),
		       COALESCE(currency,''), leverage, balance, equity, last_seen, created_at, updated_at
		FROM agents ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.UserID, &a.AccountLogin, &a.Broker, &a.Currency,
			&a.Leverage, &a.Balance, &a.Equity, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Risk profile queries
// ----------------------------------------

// GetRiskProfile returns the stored profile or ErrNotFound.
func (d *Database) GetRiskProfile(ctx context.Context, userID string) (*RiskProfile, error) {
	var p RiskProfile
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, tier, mode, daily_trade_count, daily_loss, consecutive_hr_losses,
		       cooldown_until, COALESCE(last_reset_date,''), updated_at
		FROM risk_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Tier, &p.Mode, &p.DailyTradeCount, &p.DailyLoss,
		&p.ConsecutiveHRLosses, &p.CooldownUntil, &p.LastResetDate, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk profile: %w", err)
	}
	return &p, nil
}

// UpsertRiskProfile persists the full per-user risk state.
func (d *Database) UpsertRiskProfile(ctx context.Context, p RiskProfile) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_profiles (user_id, tier, mode, daily_trade_count, daily_loss,
		                           consecutive_hr_losses, cooldown_until, last_reset_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			mode = excluded.mode,
			daily_trade_count = excluded.daily_trade_count,
			daily_loss = excluded.daily_loss,
			consecutive_hr_losses = excluded.consecutive_hr_losses,
			cooldown_until = excluded.cooldown_until,
			last_reset_date = excluded.last_reset_date,
			updated_at = CURRENT_TIMESTAMP
	`, p.UserID, p.Tier, p.Mode, p.DailyTradeCount, p.DailyLoss,
		p.ConsecutiveHRLosses, p.CooldownUntil, p.LastResetDate)
	if err != nil {
		return fmt.Errorf("upsert risk profile: %w", err)
	}
	return nil
}

// ----------------------------------------
// Slot queries
// ----------------------------------------

// CreateSlot inserts a new OPEN slot.
func (d *Database) CreateSlot(ctx context.Context, s Slot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO slots (id, user_id, mission_id, slot_type, status, opened_at)
		VALUES (?, ?, ?, ?, 'OPEN', ?)
	`, s.ID, s.UserID, s.MissionID, s.SlotType, s.OpenedAt)
	if err != nil {
		return fmt.Errorf("create slot: %w", err)
	}
	return nil
}

// CloseSlot marks the open slot for (user, mission) CLOSED. Returns the number
// of rows affected so callers can treat already-closed as a no-op.
func (d *Database) CloseSlot(ctx context.Context, userID, missionID, reason string) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE slots SET status = 'CLOSED', close_reason = ?, closed_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND mission_id = ? AND status = 'OPEN'
	`, reason, userID, missionID)
	if err != nil {
		return 0, fmt.Errorf("close slot: %w", err)
	}
	return res.RowsAffected()
}

// CloseSlotByID force-closes a single slot row.
func (d *Database) CloseSlotByID(ctx context.Context, id, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE slots SET status = 'CLOSED', close_reason = ?, closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("close slot by id: %w", err)
	}
	return nil
}

// CountOpenSlots returns the number of OPEN slots for (user, slotType).
func (d *Database) CountOpenSlots(ctx context.Context, userID, slotType string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM slots WHERE user_id = ? AND slot_type = ? AND status = 'OPEN'
	`, userID, slotType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open slots: %w", err)
	}
	return n, nil
}

// ListOpenSlots returns every OPEN slot.
func (d *Database) ListOpenSlots(ctx context.Context) ([]Slot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, mission_id, slot_type, status, COALESCE(close_reason,''), opened_at, closed_at
		FROM slots WHERE status = 'OPEN'
	`)
	if err != nil {
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

// ListOpenSlotsOlderThan returns OPEN slots opened before the cutoff.
func (d *Database) ListOpenSlotsOlderThan(ctx context.Context, cutoff time.Time) ([]Slot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, mission_id, slot_type, status, COALESCE(close_reason,''), opened_at, closed_at
		FROM slots WHERE status = 'OPEN' AND opened_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale slots: %w", err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

// ListOpenSlotsWithTerminalTrades returns OPEN slots whose authoritative trade
// has already reached a terminal status.
func (d *Database) ListOpenSlotsWithTerminalTrades(ctx context.Context) ([]Slot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.mission_id, s.slot_type, s.status, COALESCE(s.close_reason,''), s.opened_at, s.closed_at
		FROM slots s
		JOIN trades t ON t.fire_id = s.mission_id AND t.user_id = s.user_id
		WHERE s.status = 'OPEN' AND t.status IN ('CLOSED', 'FAILED', 'CANCELLED')
	`)
	if err != nil {
		return nil, fmt.Errorf("list slots with terminal trades: %w", err)
	}
	defer rows.Close()
	return scanSlots(rows)
}

func scanSlots(rows *sql.Rows) ([]Slot, error) {
	var out []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.ID, &s.UserID, &s.MissionID, &s.SlotType, &s.Status,
			&s.CloseReason, &s.OpenedAt, &s.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trade queries (authoritative trade status)
// ----------------------------------------

// UpsertTrade records or refreshes the authoritative trade row for a fire.
func (d *Database) UpsertTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (fire_id, user_id, agent_id, symbol, direction, status, ticket, price, pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(fire_id) DO UPDATE SET
			status = excluded.status,
			ticket = COALESCE(NULLIF(excluded.ticket, ''), trades.ticket),
			price  = CASE WHEN excluded.price != 0 THEN excluded.price ELSE trades.price END,
			pnl    = excluded.pnl,
			updated_at = CURRENT_TIMESTAMP
	`, t.FireID, t.UserID, t.AgentID, t.Symbol, t.Direction, t.Status, t.Ticket, t.Price, t.PnL)
	if err != nil {
		return fmt.Errorf("upsert trade: %w", err)
	}
	return nil
}

// GetTrade returns the trade row for a fire id or ErrNotFound.
func (d *Database) GetTrade(ctx context.Context, fireID string) (*Trade, error) {
	var t Trade
	err := d.DB.QueryRowContext(ctx, `
		SELECT fire_id, user_id, COALESCE(agent_id,''), symbol, direction, status,
		       COALESCE(ticket,''), price, pnl, updated_at
		FROM trades WHERE fire_id = ?
	`, fireID).Scan(&t.FireID, &t.UserID, &t.AgentID, &t.Symbol, &t.Direction,
		&t.Status, &t.Ticket, &t.Price, &t.PnL, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return &t, nil
}

// ----------------------------------------
// Terminal queries
// ----------------------------------------

// UpsertTerminal creates or updates a terminal pool entry.
func (d *Database) UpsertTerminal(ctx context.Context, t Terminal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO terminals (id, type, status, capacity, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			capacity = excluded.capacity,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Type, t.Status, t.Capacity)
	if err != nil {
		return fmt.Errorf("upsert terminal: %w", err)
	}
	return nil
}

// SetTerminalStatus flips ACTIVE/MAINTENANCE.
func (d *Database) SetTerminalStatus(ctx context.Context, id, status string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE terminals SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("set terminal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTerminals returns terminals (optionally filtered by type) with their
// assignment sets populated.
func (d *Database) ListTerminals(ctx context.Context, terminalType string) ([]Terminal, error) {
	query := `SELECT id, type, status, capacity, created_at, updated_at FROM terminals`
	args := []any{}
	if terminalType != "" {
		query += ` WHERE type = ?`
		args = append(args, terminalType)
	}
	query += ` ORDER BY id`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var out []Terminal
	for rows.Next() {
		var t Terminal
		if err := rows.Scan(&t.ID, &t.Type, &t.Status, &t.Capacity, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		users, err := d.ListTerminalUsers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Users = users
	}
	return out, nil
}

// ListTerminalUsers returns the user ids currently assigned to a terminal.
func (d *Database) ListTerminalUsers(ctx context.Context, terminalID string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id FROM terminal_users WHERE terminal_id = ? ORDER BY assigned_at
	`, terminalID)
	if err != nil {
		return nil, fmt.Errorf("list terminal users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddTerminalUser records an assignment.
func (d *Database) AddTerminalUser(ctx context.Context, terminalID, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO terminal_users (terminal_id, user_id) VALUES (?, ?)
		ON CONFLICT(terminal_id, user_id) DO NOTHING
	`, terminalID, userID)
	if err != nil {
		return fmt.Errorf("add terminal user: %w", err)
	}
	return nil
}

// RemoveTerminalUser drops an assignment.
func (d *Database) RemoveTerminalUser(ctx context.Context, terminalID, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM terminal_users WHERE terminal_id = ? AND user_id = ?
	`, terminalID, userID)
	if err != nil {
		return fmt.Errorf("remove terminal user: %w", err)
	}
	return nil
}

// ----------------------------------------
// Outcome / audit queries
// ----------------------------------------

// CreateOutcome appends to the outcome log. Callers must treat an error here
// as fatal for the operation being recorded: an unlogged disposition is not
// acceptable.
func (d *Database) CreateOutcome(ctx context.Context, o Outcome) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO outcomes (id, fire_id, kind, status, agent_id, user_id, symbol, direction, ticket, price, message, instance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.FireID, o.Kind, o.Status, o.AgentID, o.UserID, o.Symbol, o.Direction,
		o.Ticket, o.Price, o.Message, o.InstanceID)
	if err != nil {
		return fmt.Errorf("create outcome: %w", err)
	}
	return nil
}

// ListOutcomesByFire returns the log rows for one fire id, oldest first.
func (d *Database) ListOutcomesByFire(ctx context.Context, fireID string) ([]Outcome, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, fire_id, kind, status, COALESCE(agent_id,''), COALESCE(user_id,''),
		       COALESCE(symbol,''), COALESCE(direction,''), COALESCE(ticket,''), price,
		       COALESCE(message,''), COALESCE(instance_id,''), created_at
		FROM outcomes WHERE fire_id = ? ORDER BY created_at
	`, fireID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ID, &o.FireID, &o.Kind, &o.Status, &o.AgentID, &o.UserID,
			&o.Symbol, &o.Direction, &o.Ticket, &o.Price, &o.Message, &o.InstanceID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AppendAudit writes a single audit row. Non-critical: callers may log and
// drop the error.
func (d *Database) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_log (kind, subject, user_id, detail, instance_id)
		VALUES (?, ?, ?, ?, ?)
	`, e.Kind, e.Subject, e.UserID, e.Detail, e.InstanceID)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAuditBySubject returns audit rows for a subject, newest first.
func (d *Database) ListAuditBySubject(ctx context.Context, subject string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT kind, subject, COALESCE(user_id,''), COALESCE(detail,''), COALESCE(instance_id,''), created_at
		FROM audit_log WHERE subject = ? ORDER BY created_at DESC LIMIT ?
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Kind, &e.Subject, &e.UserID, &e.Detail, &e.InstanceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
