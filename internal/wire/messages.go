// Package wire defines the JSON message schema spoken between the bridge and
// remote execution agents. Parsing is strict about command-critical fields;
// optional telemetry fields degrade to their zero values.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame types accepted from agents.
const (
	TypeHello     = "HELLO"
	TypeHeartbeat = "HEARTBEAT"
	TypePing      = "PING"
	TypeResult    = "RESULT"
)

// Outbound message types.
const (
	TypeFire = "fire"
	TypePong = "PONG"
)

// Result statuses reported by agents.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

var (
	ErrMissingType   = errors.New("wire: missing type field")
	ErrUnknownType   = errors.New("wire: unknown frame type")
	ErrMissingAgent  = errors.New("wire: missing target_uuid")
	ErrMissingFireID = errors.New("wire: missing fire_id")
	ErrBadStatus     = errors.New("wire: result status must be success or failed")
)

// InboundFrame is one identity-tagged message from an agent. Account fields
// are optional telemetry; blank values mean "unchanged".
type InboundFrame struct {
	Type         string  `json:"type"`
	AgentID      string  `json:"target_uuid"`
	UserID       string  `json:"user_id,omitempty"`
	AccountLogin string  `json:"account_login,omitempty"`
	Broker       string  `json:"broker,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Leverage     float64 `json:"leverage,omitempty"`
	Balance      float64 `json:"balance,omitempty"`
	Equity       float64 `json:"equity,omitempty"`
	Timestamp    int64   `json:"ts,omitempty"`

	// RESULT-only fields.
	FireID   string  `json:"fire_id,omitempty"`
	SignalID string  `json:"signal_id,omitempty"`
	Status   string  `json:"status,omitempty"`
	Ticket   string  `json:"ticket,omitempty"`
	Price    float64 `json:"price,omitempty"`
	PnL      float64 `json:"pnl,omitempty"`
	Closed   bool    `json:"closed,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ParseInbound decodes and validates a frame. Frames failing validation are
// rejected outright rather than defaulted into something executable.
func ParseInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}

	f.Type = strings.ToUpper(strings.TrimSpace(f.Type))
	if f.Type == "" {
		return nil, ErrMissingType
	}

	switch f.Type {
	case TypeHello, TypeHeartbeat:
		if f.AgentID == "" {
			return nil, ErrMissingAgent
		}
	case TypePing:
		// Connection itself is the reply channel; no identity required.
	case TypeResult:
		// Legacy agents report signal_id instead of fire_id.
		if f.FireID == "" {
			f.FireID = f.SignalID
		}
		if f.FireID == "" {
			return nil, ErrMissingFireID
		}
		if f.Status != ResultSuccess && f.Status != ResultFailed {
			return nil, ErrBadStatus
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return &f, nil
}

// FireMessage is the outbound execution command sent to exactly one agent.
type FireMessage struct {
	FireID     string  `json:"fire_id"`
	Type       string  `json:"type"`
	AgentID    string  `json:"target_uuid"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	LotSize    float64 `json:"lot_size"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Timestamp  int64   `json:"timestamp"`
}

// NewFireMessage builds the wire payload for a fire command.
func NewFireMessage(fireID, agentID, symbol, direction string, lot, sl, tp float64) FireMessage {
	return FireMessage{
		FireID:     fireID,
		Type:       TypeFire,
		AgentID:    agentID,
		Symbol:     symbol,
		Direction:  direction,
		LotSize:    lot,
		StopLoss:   sl,
		TakeProfit: tp,
		Timestamp:  time.Now().Unix(),
	}
}

// Validate rejects payloads that would be ambiguous on the remote side.
func (m FireMessage) Validate() error {
	if m.FireID == "" {
		return ErrMissingFireID
	}
	if m.AgentID == "" {
		return ErrMissingAgent
	}
	if m.Symbol == "" {
		return errors.New("wire: missing symbol")
	}
	dir := strings.ToUpper(m.Direction)
	if dir != "BUY" && dir != "SELL" {
		return fmt.Errorf("wire: bad direction %q", m.Direction)
	}
	if m.LotSize <= 0 {
		return errors.New("wire: lot_size must be positive")
	}
	return nil
}

// Marshal serializes the message for the transport.
func (m FireMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Pong is the reply to a PING probe.
type Pong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// NewPong builds a PONG reply.
func NewPong() Pong {
	return Pong{Type: TypePong, TS: time.Now().Unix()}
}
