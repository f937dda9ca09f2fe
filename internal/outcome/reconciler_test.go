package outcome

import (
	"context"
	"testing"
	"time"

	"bridge-core/internal/risk"
	"bridge-core/internal/slots"
	"bridge-core/internal/wire"
	"bridge-core/pkg/db"
)

type reconFixture struct {
	recon    *Reconciler
	slots    *slots.Manager
	risk     *risk.Controller
	database *db.Database
}

func newFixture(t *testing.T) *reconFixture {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	riskCtl := risk.NewController(database, nil, risk.DefaultTiers(), time.UTC)
	slotMgr := slots.NewManager(database, riskCtl, nil, "test")

	return &reconFixture{
		recon:    New(database, slotMgr, riskCtl, nil, nil, "test"),
		slots:    slotMgr,
		risk:     riskCtl,
		database: database,
	}
}

// fireTrade seeds the state a forwarded fire leaves behind: an open slot and
// a FIRED trade row.
func (fx *reconFixture) fireTrade(t *testing.T, fireID string) {
	t.Helper()
	ctx := context.Background()
	if ok, reason := fx.slots.TryOpenSlot(ctx, "u1", fireID, slots.TypeAuto); !ok {
		t.Fatalf("open slot: %s", reason)
	}
	if err := fx.database.UpsertTrade(ctx, db.Trade{
		FireID: fireID, UserID: "u1", AgentID: "a1",
		Symbol: "XAUUSD", Direction: "BUY", Status: db.TradeFired,
	}); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func TestExecutionConfirmationKeepsSlotOpen(t *testing.T) {
	fx := newFixture(t)
	fx.fireTrade(t, "f1")

	fx.recon.HandleResult(&wire.InboundFrame{
		Type: wire.TypeResult, FireID: "f1", Status: wire.ResultSuccess,
		Ticket: "t-100", Price: 1912.5,
	})

	trade, err := fx.database.GetTrade(context.Background(), "f1")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.Status != db.TradeOpen {
		t.Fatalf("status=%s, expected %s", trade.Status, db.TradeOpen)
	}
	if trade.Ticket != "t-100" || trade.Price != 1912.5 {
		t.Fatalf("execution details lost: %+v", trade)
	}
	if got := fx.slots.InUse("u1", slots.TypeAuto); got != 1 {
		t.Fatalf("slots in use=%d, position is still live", got)
	}
}

func TestFailedExecutionFreesSlotWithoutLoss(t *testing.T) {
	fx := newFixture(t)
	fx.fireTrade(t, "f1")

	fx.recon.HandleResult(&wire.InboundFrame{
		Type: wire.TypeResult, FireID: "f1", Status: wire.ResultFailed,
		Message: "not enough margin",
	})

	trade, _ := fx.database.GetTrade(context.Background(), "f1")
	if trade.Status != db.TradeFailed {
		t.Fatalf("status=%s, expected %s", trade.Status, db.TradeFailed)
	}
	if got := fx.slots.InUse("u1", slots.TypeAuto); got != 0 {
		t.Fatalf("slots in use=%d after failed execution, expected 0", got)
	}
	// No money moved, so nothing lands in the daily loss ledger.
	if got := fx.risk.StatusFor("u1").DailyLoss; got != 0 {
		t.Fatalf("daily loss=%v after failed execution, expected 0", got)
	}
}

func TestCloseReportAppliesLoss(t *testing.T) {
	fx := newFixture(t)
	fx.fireTrade(t, "f1")

	fx.recon.HandleResult(&wire.InboundFrame{
		Type: wire.TypeResult, FireID: "f1", Status: wire.ResultSuccess,
		Closed: true, PnL: -75,
	})

	trade, _ := fx.database.GetTrade(context.Background(), "f1")
	if trade.Status != db.TradeClosed {
		t.Fatalf("status=%s, expected %s", trade.Status, db.TradeClosed)
	}
	if got := fx.slots.InUse("u1", slots.TypeAuto); got != 0 {
		t.Fatalf("slots in use=%d after close, expected 0", got)
	}
	if got := fx.risk.StatusFor("u1").DailyLoss; got != 75 {
		t.Fatalf("daily loss=%v, expected 75", got)
	}
}

func TestDuplicateCloseReportIsHarmless(t *testing.T) {
	fx := newFixture(t)
	fx.fireTrade(t, "f1")

	frame := &wire.InboundFrame{
		Type: wire.TypeResult, FireID: "f1", Status: wire.ResultSuccess,
		Closed: true, PnL: 40,
	}
	fx.recon.HandleResult(frame)
	fx.recon.HandleResult(frame)

	if got := fx.slots.InUse("u1", slots.TypeAuto); got != 0 {
		t.Fatalf("slots in use=%d, expected 0", got)
	}
	// Both reports are appended to the log; that is the audit trail.
	outcomes, err := fx.database.ListOutcomesByFire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcome rows=%d, expected 2", len(outcomes))
	}
}

func TestResultForUnknownFireOnlyLogged(t *testing.T) {
	fx := newFixture(t)

	fx.recon.HandleResult(&wire.InboundFrame{
		Type: wire.TypeResult, FireID: "ghost", Status: wire.ResultSuccess,
	})

	outcomes, err := fx.database.ListOutcomesByFire(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcome rows=%d, expected the report to be logged", len(outcomes))
	}
}
