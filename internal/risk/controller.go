// Package risk implements the per-user risk state machine: tiered risk
// percentages, cooldown after repeated elevated-risk losses, and daily limits.
package risk

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/events"
	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
)

// Risk modes.
const (
	ModeDefault  = "DEFAULT"
	ModeBoost    = "BOOSTED"
	ModeCooldown = "COOLDOWN"
)

// Slot types, shared with the slot manager.
const (
	SlotAuto   = "AUTO"
	SlotManual = "MANUAL"
)

// cooldownLossThreshold is the number of consecutive elevated-risk losses
// that forces a user into cooldown.
const cooldownLossThreshold = 2

// DefaultCooldownDuration bounds a cooldown when no winning trade ends it first.
const DefaultCooldownDuration = 24 * time.Hour

type profile struct {
	userID              string
	tier                string
	mode                string
	dailyTradeCount     int
	dailyLoss           float64
	consecutiveHRLosses int
	cooldownUntil       time.Time // zero when not cooling down
	lastResetDate       string
}

// Controller owns all per-user risk profiles. Every read and mutation goes
// through its mutex; profiles are persisted write-through.
type Controller struct {
	mu       sync.Mutex
	profiles map[string]*profile

	database    *db.Database
	bus         *events.Bus
	tiers       TierSet
	loc         *time.Location
	cooldownDur time.Duration
}

// NewController creates a risk controller. loc fixes the daily boundary
// timezone; nil means UTC.
func NewController(database *db.Database, bus *events.Bus, tiers TierSet, loc *time.Location) *Controller {
	if loc == nil {
		loc = time.UTC
	}
	return &Controller{
		profiles:    make(map[string]*profile),
		database:    database,
		bus:         bus,
		tiers:       tiers,
		loc:         loc,
		cooldownDur: DefaultCooldownDuration,
	}
}

// SetCooldownDuration overrides the cooldown timer length.
func (c *Controller) SetCooldownDuration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.cooldownDur = d
	}
}

func (c *Controller) dateStr(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// getOrCreate must be called with the mutex held.
func (c *Controller) getOrCreate(userID string) *profile {
	if p, ok := c.profiles[userID]; ok {
		return p
	}

	p := &profile{
		userID:        userID,
		tier:          c.tiers.DefaultName(),
		mode:          ModeDefault,
		lastResetDate: c.dateStr(time.Now()),
	}

	if c.database != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stored, err := c.database.GetRiskProfile(ctx, userID)
		cancel()
		switch {
		case err == nil:
			p.tier = stored.Tier
			p.mode = stored.Mode
			p.dailyTradeCount = stored.DailyTradeCount
			p.dailyLoss = stored.DailyLoss
			p.consecutiveHRLosses = stored.ConsecutiveHRLosses
			if stored.CooldownUntil.Valid {
				p.cooldownUntil = stored.CooldownUntil.Time
			}
			p.lastResetDate = stored.LastResetDate
		case err != db.ErrNotFound:
			log.Error().Err(err).Str("user", userID).Msg("load risk profile failed")
		}
	}

	c.profiles[userID] = p
	return p
}

// rollIfNeeded applies the daily boundary: trade count and loss reset,
// consecutive losses and cooldown deliberately survive the rollover.
func (c *Controller) rollIfNeeded(p *profile, now time.Time) {
	today := c.dateStr(now)
	if p.lastResetDate == today {
		return
	}
	log.Info().Str("user", p.userID).
		Int("daily_trades", p.dailyTradeCount).
		Float64("daily_loss", p.dailyLoss).
		Msg("daily risk counters reset")
	p.dailyTradeCount = 0
	p.dailyLoss = 0
	p.lastResetDate = today
}

// recoverIfExpired must be called with the mutex held.
func (c *Controller) recoverIfExpired(p *profile, now time.Time) {
	if p.mode != ModeCooldown {
		return
	}
	if !p.cooldownUntil.IsZero() && now.After(p.cooldownUntil) {
		p.mode = ModeDefault
		p.cooldownUntil = time.Time{}
		p.consecutiveHRLosses = 0
		if c.bus != nil {
			c.bus.Publish(events.EventCooldownCleared, p.userID)
		}
		log.Info().Str("user", p.userID).Msg("cooldown expired, back to default mode")
	}
}

// SetTier assigns a tier to a user.
func (c *Controller) SetTier(userID, tierName string) {
	c.mu.Lock()
	p := c.getOrCreate(userID)
	p.tier = c.tiers.Get(tierName).Name
	snap := *p
	c.mu.Unlock()
	c.persist(snap)
}

// TierFor returns the user's resolved tier.
func (c *Controller) TierFor(userID string) Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.getOrCreate(userID)
	return c.tiers.Get(p.tier)
}

// SlotLimit returns the tier-configured maximum open slots for a slot type.
func (c *Controller) SlotLimit(userID, slotType string) int {
	t := c.TierFor(userID)
	if slotType == SlotManual {
		return t.MaxManualSlots
	}
	return t.MaxAutoSlots
}

// Mode returns the user's current mode.
func (c *Controller) Mode(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.getOrCreate(userID)
	c.recoverIfExpired(p, time.Now())
	return p.mode
}

// SetMode handles an explicit user mode-change request. Rejected during
// cooldown; recovery happens only through the cooldown transitions.
func (c *Controller) SetMode(userID, mode string) (bool, string) {
	if mode != ModeDefault && mode != ModeBoost {
		return false, fmt.Sprintf("unknown mode %q", mode)
	}

	c.mu.Lock()
	p := c.getOrCreate(userID)
	now := time.Now()
	c.recoverIfExpired(p, now)

	if p.mode == ModeCooldown {
		remaining := time.Until(p.cooldownUntil).Round(time.Minute)
		snap := *p
		c.mu.Unlock()
		c.persist(snap)
		return false, fmt.Sprintf("cooldown active: mode locked for %s or until your next winning trade", remaining)
	}

	p.mode = mode
	snap := *p
	c.mu.Unlock()
	c.persist(snap)
	return true, fmt.Sprintf("mode set to %s", mode)
}

// GetEffectiveRisk returns the risk percent that applies right now plus a
// reason suitable for direct display.
func (c *Controller) GetEffectiveRisk(userID string) (float64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.getOrCreate(userID)
	now := time.Now()
	c.rollIfNeeded(p, now)
	c.recoverIfExpired(p, now)
	tier := c.tiers.Get(p.tier)

	switch p.mode {
	case ModeCooldown:
		remaining := time.Until(p.cooldownUntil).Round(time.Minute)
		return tier.MinRiskPercent, fmt.Sprintf(
			"cooldown: risk pinned to %s minimum %.2f%% for %s or until one winning trade",
			tier.Name, tier.MinRiskPercent, remaining)
	case ModeBoost:
		return tier.BoostRiskPercent, fmt.Sprintf("boosted mode: %.2f%% (%s tier)", tier.BoostRiskPercent, tier.Name)
	default:
		return tier.DefaultRiskPercent, fmt.Sprintf("default mode: %.2f%% (%s tier)", tier.DefaultRiskPercent, tier.Name)
	}
}

// CheckTradeAllowed applies the daily trade-count and drawdown limits.
// Denials come back as (false, reason), never as errors.
func (c *Controller) CheckTradeAllowed(userID string, proposedRiskAmount, accountBalance float64) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.getOrCreate(userID)
	now := time.Now()
	c.rollIfNeeded(p, now)
	c.recoverIfExpired(p, now)
	tier := c.tiers.Get(p.tier)

	if tier.MaxDailyTrades > 0 && p.dailyTradeCount >= tier.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d/%d", p.dailyTradeCount, tier.MaxDailyTrades)
	}

	if tier.MaxDailyDrawdownPercent > 0 && accountBalance > 0 {
		maxLoss := tier.MaxDailyDrawdownPercent / 100 * accountBalance
		if p.dailyLoss+proposedRiskAmount > maxLoss {
			return false, fmt.Sprintf(
				"daily drawdown limit: %.2f lost + %.2f at risk exceeds %.2f (%.1f%% of balance)",
				p.dailyLoss, proposedRiskAmount, maxLoss, tier.MaxDailyDrawdownPercent)
		}
	}

	return true, "ok"
}

// NoteTradeOpened counts a dispatched trade against the daily limit.
func (c *Controller) NoteTradeOpened(userID string) {
	c.mu.Lock()
	p := c.getOrCreate(userID)
	c.rollIfNeeded(p, time.Now())
	p.dailyTradeCount++
	snap := *p
	c.mu.Unlock()
	c.persist(snap)
}

// RecordTradeResult applies a realized outcome: daily loss tracking, the
// consecutive elevated-risk loss counter, and the cooldown transitions.
// A single winning trade always ends an active cooldown.
func (c *Controller) RecordTradeResult(userID string, won bool, pnl float64) {
	c.mu.Lock()
	p := c.getOrCreate(userID)
	now := time.Now()
	c.rollIfNeeded(p, now)

	elevated := p.mode == ModeBoost
	var entered, cleared bool

	if won {
		p.consecutiveHRLosses = 0
		if p.mode == ModeCooldown {
			p.mode = ModeDefault
			p.cooldownUntil = time.Time{}
			cleared = true
		}
	} else {
		if pnl < 0 {
			p.dailyLoss += -pnl
		}
		if elevated {
			p.consecutiveHRLosses++
			if p.consecutiveHRLosses >= cooldownLossThreshold {
				p.mode = ModeCooldown
				p.cooldownUntil = now.Add(c.cooldownDur)
				entered = true
			}
		}
	}

	snap := *p
	c.mu.Unlock()
	c.persist(snap)

	if entered {
		log.Warn().Str("user", userID).
			Int("consecutive_losses", snap.consecutiveHRLosses).
			Time("until", snap.cooldownUntil).
			Msg("entering cooldown")
		if c.bus != nil {
			c.bus.Publish(events.EventCooldownEntered, userID)
		}
	}
	if cleared {
		log.Info().Str("user", userID).Msg("winning trade cleared cooldown")
		if c.bus != nil {
			c.bus.Publish(events.EventCooldownCleared, userID)
		}
	}
}

// SweepRollover applies the daily boundary to every loaded profile. Wired to
// the midnight cron job; individual operations also roll lazily.
func (c *Controller) SweepRollover() {
	c.mu.Lock()
	now := time.Now()
	snaps := make([]profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		c.rollIfNeeded(p, now)
		snaps = append(snaps, *p)
	}
	c.mu.Unlock()

	for _, snap := range snaps {
		c.persist(snap)
	}
}

// Status is the API-facing view of a profile.
type Status struct {
	UserID              string    `json:"user_id"`
	Tier                string    `json:"tier"`
	Mode                string    `json:"mode"`
	EffectiveRisk       float64   `json:"effective_risk_percent"`
	Reason              string    `json:"reason"`
	DailyTradeCount     int       `json:"daily_trade_count"`
	DailyLoss           float64   `json:"daily_loss"`
	ConsecutiveHRLosses int       `json:"consecutive_high_risk_losses"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

// StatusFor returns the current risk status snapshot for a user.
func (c *Controller) StatusFor(userID string) Status {
	percent, reason := c.GetEffectiveRisk(userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.getOrCreate(userID)
	return Status{
		UserID:              p.userID,
		Tier:                p.tier,
		Mode:                p.mode,
		EffectiveRisk:       percent,
		Reason:              reason,
		DailyTradeCount:     p.dailyTradeCount,
		DailyLoss:           p.dailyLoss,
		ConsecutiveHRLosses: p.consecutiveHRLosses,
		CooldownUntil:       p.cooldownUntil,
	}
}

func (c *Controller) persist(snap profile) {
	if c.database == nil {
		return
	}
	row := db.RiskProfile{
		UserID:              snap.userID,
		Tier:                snap.tier,
		Mode:                snap.mode,
		DailyTradeCount:     snap.dailyTradeCount,
		DailyLoss:           snap.dailyLoss,
		ConsecutiveHRLosses: snap.consecutiveHRLosses,
		LastResetDate:       snap.lastResetDate,
	}
	if !snap.cooldownUntil.IsZero() {
		row.CooldownUntil = sql.NullTime{Time: snap.cooldownUntil, Valid: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.database.UpsertRiskProfile(ctx, row); err != nil {
		log.Error().Err(err).Str("user", snap.userID).Msg("persist risk profile failed")
	}
}
