// Package outcome applies agent result reports to the trade ledger, slot
// accounting and risk state, and appends every report to the outcome log.
package outcome

import (
	"context"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/monitor"
	"bridge-core/internal/risk"
	"bridge-core/internal/slots"
	"bridge-core/internal/wire"
	"bridge-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const applyTimeout = 10 * time.Second

// Reconciler consumes RESULT frames from the hub.
type Reconciler struct {
	database   *db.Database
	slots      *slots.Manager
	risk       *risk.Controller
	bus        *events.Bus
	metrics    *monitor.SystemMetrics
	instanceID string
}

// New creates the reconciler.
func New(database *db.Database, slotMgr *slots.Manager, riskCtl *risk.Controller,
	bus *events.Bus, metrics *monitor.SystemMetrics, instanceID string) *Reconciler {
	return &Reconciler{
		database:   database,
		slots:      slotMgr,
		risk:       riskCtl,
		bus:        bus,
		metrics:    metrics,
		instanceID: instanceID,
	}
}

// HandleResult applies one result report. Three shapes arrive on the same
// frame type: an execution failure, an execution confirmation (position now
// live), and a position close carrying pnl. The fire_id makes reapplying a
// duplicate report harmless: the trade upsert converges and the slot close is
// a no-op the second time.
func (r *Reconciler) HandleResult(frame *wire.InboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	trade, err := r.database.GetTrade(ctx, frame.FireID)
	if err != nil {
		if err != db.ErrNotFound {
			log.Error().Err(err).Str("fire_id", frame.FireID).Msg("trade lookup failed")
			return
		}
		log.Warn().Str("fire_id", frame.FireID).Msg("result for unknown fire, logging only")
		r.appendOutcome(ctx, frame, "")
		return
	}

	userID := trade.UserID
	if userID == "" {
		userID = frame.UserID
	}

	// A trade that already reached a terminal status stays there. The repeat
	// report is still appended to the log, but the slot and risk ledgers were
	// settled by the first application.
	if trade.Status == db.TradeClosed || trade.Status == db.TradeFailed || trade.Status == db.TradeCancelled {
		log.Info().Str("fire_id", frame.FireID).Str("status", trade.Status).
			Msg("duplicate result for settled trade, logging only")
		r.appendOutcome(ctx, frame, userID)
		return
	}

	switch {
	case frame.Status == wire.ResultFailed:
		trade.Status = db.TradeFailed
		trade.PnL = frame.PnL
	case frame.Closed || frame.PnL != 0:
		trade.Status = db.TradeClosed
		trade.PnL = frame.PnL
	default:
		trade.Status = db.TradeOpen
	}
	if frame.Ticket != "" {
		trade.Ticket = frame.Ticket
	}
	if frame.Price != 0 {
		trade.Price = frame.Price
	}

	if err := r.database.UpsertTrade(ctx, *trade); err != nil {
		log.Error().Err(err).Str("fire_id", frame.FireID).Msg("trade update failed")
		return
	}

	switch trade.Status {
	case db.TradeFailed:
		// The execution never opened a position: free the slot, but a failed
		// order is not a trading loss for the risk ledger.
		r.slots.CloseSlot(ctx, userID, frame.FireID)
	case db.TradeClosed:
		r.slots.CloseSlot(ctx, userID, frame.FireID)
		r.risk.RecordTradeResult(userID, frame.PnL > 0, frame.PnL)
	}

	r.appendOutcome(ctx, frame, userID)

	if r.metrics != nil {
		r.metrics.IncrementResultsApplied()
	}
	if r.bus != nil {
		r.bus.Publish(events.EventTradeResult, *frame)
	}
	log.Info().Str("fire_id", frame.FireID).Str("status", trade.Status).
		Str("ticket", trade.Ticket).Msg("result applied")
}

// appendOutcome writes the result to the append-only log. This log must not
// silently lose rows, so a failed write is an error-level event, never
// downgraded.
func (r *Reconciler) appendOutcome(ctx context.Context, frame *wire.InboundFrame, userID string) {
	if err := r.database.CreateOutcome(ctx, db.Outcome{
		ID:         uuid.NewString(),
		FireID:     frame.FireID,
		Kind:       "result",
		Status:     frame.Status,
		AgentID:    frame.AgentID,
		UserID:     userID,
		Ticket:     frame.Ticket,
		Price:      frame.Price,
		Message:    frame.Message,
		InstanceID: r.instanceID,
	}); err != nil {
		log.Error().Err(err).Str("fire_id", frame.FireID).Msg("outcome log write failed")
	}
}
