package events

// Event enumerates high-level topics inside the bridge core.
type Event string

const (
	EventAgentConnected    Event = "agent.connected"
	EventAgentDisconnected Event = "agent.disconnected"
	EventAgentStale        Event = "agent.stale"
	EventFireDispatched    Event = "fire.dispatched"
	EventFireRejected      Event = "fire.rejected"
	EventTradeResult       Event = "trade.result"
	EventCooldownEntered   Event = "risk.cooldown_entered"
	EventCooldownCleared   Event = "risk.cooldown_cleared"
	EventSlotReconciled    Event = "slot.reconciled"
)
