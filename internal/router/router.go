// Package router is the execution gate between accepted fire commands and
// remote agents. Every command leaves with exactly one recorded disposition.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/monitor"
	"bridge-core/internal/registry"
	"bridge-core/internal/risk"
	"bridge-core/internal/slots"
	"bridge-core/internal/transport"
	"bridge-core/internal/wire"
	"bridge-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Disposition is the terminal fate of one fire command.
type Disposition string

const (
	Forwarded       Disposition = "FORWARDED"
	RejectedStale   Disposition = "REJECTED_STALE"
	RejectedUnknown Disposition = "REJECTED_UNKNOWN"
	Denied          Disposition = "DENIED"
	FailedTransport Disposition = "MANUAL_INTERVENTION_REQUIRED"
)

// ErrManualInterventionRequired is returned when the live execution path is
// down. There is no simulated or queued fallback; an operator must act.
var ErrManualInterventionRequired = errors.New("execution transport unavailable: manual intervention required")

const dispatchTimeout = 10 * time.Second

// FireCommand is one execution request addressed to a single agent.
type FireCommand struct {
	FireID      string    `json:"fire_id"`
	UserID      string    `json:"user_id"`
	AgentID     string    `json:"target_uuid"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"`
	LotSize     float64   `json:"lot_size"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	SlotType    string    `json:"slot_type"`
	RiskAmount  float64   `json:"risk_amount"`
	RequestedAt time.Time `json:"requested_at"`
}

// Router owns the dispatch pipeline: durable intake, freshness gate, risk and
// slot admission, transport push, disposition log.
type Router struct {
	registry  *registry.Registry
	risk      *risk.Controller
	slots     *slots.Manager
	transport transport.Transport
	database  *db.Database
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
	queue     *PersistentQueue

	ttl        time.Duration
	instanceID string
}

// New creates the router.
func New(reg *registry.Registry, riskCtl *risk.Controller, slotMgr *slots.Manager,
	tp transport.Transport, database *db.Database, bus *events.Bus,
	metrics *monitor.SystemMetrics, queue *PersistentQueue,
	ttl time.Duration, instanceID string) *Router {
	if ttl <= 0 {
		ttl = registry.DefaultTTL
	}
	return &Router{
		registry:   reg,
		risk:       riskCtl,
		slots:      slotMgr,
		transport:  tp,
		database:   database,
		bus:        bus,
		metrics:    metrics,
		queue:      queue,
		ttl:        ttl,
		instanceID: instanceID,
	}
}

// Submit validates and durably accepts a fire command. Acceptance means the
// command will reach a disposition, not that it will be forwarded.
func (r *Router) Submit(cmd FireCommand) (string, error) {
	if cmd.FireID == "" {
		cmd.FireID = uuid.NewString()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now()
	}
	if cmd.SlotType == "" {
		cmd.SlotType = slots.TypeAuto
	}
	cmd.Direction = strings.ToUpper(strings.TrimSpace(cmd.Direction))

	msg := wire.NewFireMessage(cmd.FireID, cmd.AgentID, cmd.Symbol, cmd.Direction,
		cmd.LotSize, cmd.StopLoss, cmd.TakeProfit)
	if err := msg.Validate(); err != nil {
		return "", err
	}

	if !r.queue.Enqueue(cmd) {
		return "", errors.New("fire command could not be made durable")
	}
	if r.metrics != nil {
		r.metrics.IncrementFiresAccepted()
	}
	return cmd.FireID, nil
}

// Start recovers the WAL and runs the dispatch consumer until ctx ends.
func (r *Router) Start(ctx context.Context) error {
	if err := r.queue.Recover(); err != nil {
		return fmt.Errorf("recover fire queue: %w", err)
	}
	go r.queue.Drain(ctx, r.process)
	log.Info().Str("transport", r.transport.Name()).Dur("agent_ttl", r.ttl).Msg("fire dispatch started")
	return nil
}

func (r *Router) process(cmd FireCommand) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	disp, reason, err := r.Dispatch(ctx, cmd)
	if err != nil && !errors.Is(err, ErrManualInterventionRequired) {
		log.Error().Err(err).Str("fire_id", cmd.FireID).Msg("dispatch error")
	}

	if r.metrics != nil {
		r.metrics.DispatchLatency.RecordDuration(time.Since(start))
		switch disp {
		case Forwarded:
			r.metrics.IncrementFiresForwarded()
		case RejectedStale, RejectedUnknown:
			r.metrics.IncrementFiresRejected()
		case Denied:
			r.metrics.IncrementFiresDenied()
		case FailedTransport:
			r.metrics.IncrementFiresFailed()
		}
	}

	logStart := time.Now()
	logErr := r.logDisposition(ctx, cmd, disp, reason)
	if r.metrics != nil {
		r.metrics.DBLatency.RecordDuration(time.Since(logStart))
	}
	if logErr != nil {
		// The disposition log is the audit trail money moves against. Leave
		// the WAL entry pending so a restart replays the command; the fire_id
		// keeps the replay idempotent downstream.
		log.Error().Err(logErr).Str("fire_id", cmd.FireID).
			Msg("disposition log write failed, command stays pending")
		return
	}
	r.queue.MarkComplete(cmd.FireID)
}

// Dispatch runs the full gate for one command and returns its disposition
// with a human-readable reason. Only a transport failure returns an error.
func (r *Router) Dispatch(ctx context.Context, cmd FireCommand) (Disposition, string, error) {
	// A trade row means this fire already went out. WAL replay after a crash
	// between forward and disposition log must not open a second slot or
	// count a second daily trade.
	if r.database != nil {
		if _, err := r.database.GetTrade(ctx, cmd.FireID); err == nil {
			log.Info().Str("fire_id", cmd.FireID).Msg("fire already forwarded, replay suppressed")
			return Forwarded, "already forwarded to agent", nil
		} else if !errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Str("fire_id", cmd.FireID).Msg("trade ledger lookup failed")
		}
	}

	agent, known := r.registry.Get(cmd.AgentID)
	if !known {
		log.Warn().Str("fire_id", cmd.FireID).Str("agent", cmd.AgentID).Msg("fire rejected: unknown agent")
		r.publish(events.EventFireRejected, cmd)
		return RejectedUnknown, fmt.Sprintf("agent %s has never connected", cmd.AgentID), nil
	}
	if !r.registry.IsFresh(cmd.AgentID, r.ttl) {
		age := time.Since(agent.LastSeen).Round(time.Second)
		log.Warn().Str("fire_id", cmd.FireID).Str("agent", cmd.AgentID).
			Dur("last_seen_age", age).Msg("fire rejected: stale agent")
		if r.bus != nil {
			r.bus.Publish(events.EventAgentStale, cmd.AgentID)
		}
		r.publish(events.EventFireRejected, cmd)
		return RejectedStale, fmt.Sprintf("agent last seen %s ago, ttl %s", age, r.ttl), nil
	}

	userID := cmd.UserID
	if userID == "" {
		userID = agent.UserID
	}

	if allowed, reason := r.risk.CheckTradeAllowed(userID, cmd.RiskAmount, agent.Balance); !allowed {
		log.Warn().Str("fire_id", cmd.FireID).Str("user", userID).Str("reason", reason).Msg("fire denied by risk gate")
		r.publish(events.EventFireRejected, cmd)
		return Denied, reason, nil
	}
	if ok, reason := r.slots.TryOpenSlot(ctx, userID, cmd.FireID, cmd.SlotType); !ok {
		log.Warn().Str("fire_id", cmd.FireID).Str("user", userID).Str("reason", reason).Msg("fire denied by slot gate")
		r.publish(events.EventFireRejected, cmd)
		return Denied, reason, nil
	}

	msg := wire.NewFireMessage(cmd.FireID, cmd.AgentID, cmd.Symbol, cmd.Direction,
		cmd.LotSize, cmd.StopLoss, cmd.TakeProfit)
	payload, err := msg.Marshal()
	if err != nil {
		r.slots.CloseSlot(ctx, userID, cmd.FireID)
		return Denied, "payload serialization failed", err
	}

	if err := r.transport.Send(cmd.AgentID, payload); err != nil {
		// Fail closed: release the slot, no fallback path, no retry loop.
		r.slots.CloseSlot(ctx, userID, cmd.FireID)
		log.Error().Err(err).Str("fire_id", cmd.FireID).Str("agent", cmd.AgentID).
			Str("transport", r.transport.Name()).Msg("fire send failed, manual intervention required")
		return FailedTransport, fmt.Sprintf("%s send failed: %v", r.transport.Name(), err),
			fmt.Errorf("%w: %v", ErrManualInterventionRequired, err)
	}

	r.risk.NoteTradeOpened(userID)
	if r.database != nil {
		if err := r.database.UpsertTrade(ctx, db.Trade{
			FireID:    cmd.FireID,
			UserID:    userID,
			AgentID:   cmd.AgentID,
			Symbol:    cmd.Symbol,
			Direction: cmd.Direction,
			Status:    db.TradeFired,
		}); err != nil {
			log.Error().Err(err).Str("fire_id", cmd.FireID).Msg("trade record write failed")
		}
	}

	r.publish(events.EventFireDispatched, cmd)
	log.Info().Str("fire_id", cmd.FireID).Str("agent", cmd.AgentID).
		Str("symbol", cmd.Symbol).Str("direction", cmd.Direction).Msg("fire forwarded")
	return Forwarded, "forwarded to agent", nil
}

// logDisposition appends the command's fate to the append-only outcome log.
func (r *Router) logDisposition(ctx context.Context, cmd FireCommand, disp Disposition, reason string) error {
	if r.database == nil {
		return nil
	}
	return r.database.CreateOutcome(ctx, db.Outcome{
		ID:         uuid.NewString(),
		FireID:     cmd.FireID,
		Kind:       "disposition",
		Status:     string(disp),
		AgentID:    cmd.AgentID,
		UserID:     cmd.UserID,
		Symbol:     cmd.Symbol,
		Direction:  cmd.Direction,
		Message:    reason,
		InstanceID: r.instanceID,
	})
}

func (r *Router) publish(event events.Event, cmd FireCommand) {
	if r.bus != nil {
		r.bus.Publish(event, cmd)
	}
}
