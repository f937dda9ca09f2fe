package wire

import (
	"errors"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		check   func(t *testing.T, f *InboundFrame)
	}{
		{
			name: "hello with telemetry",
			data: `{"type":"HELLO","target_uuid":"agent-1","user_id":"u1","balance":5000}`,
			check: func(t *testing.T, f *InboundFrame) {
				if f.AgentID != "agent-1" || f.Balance != 5000 {
					t.Fatalf("bad frame: %+v", f)
				}
			},
		},
		{
			name: "heartbeat lowercase type",
			data: `{"type":"heartbeat","target_uuid":"agent-1"}`,
			check: func(t *testing.T, f *InboundFrame) {
				if f.Type != TypeHeartbeat {
					t.Fatalf("type=%s, expected %s", f.Type, TypeHeartbeat)
				}
			},
		},
		{
			name: "hello without identity",
			data: `{"type":"HELLO"}`,

			wantErr: ErrMissingAgent,
		},
		{
			name: "ping needs nothing",
			data: `{"type":"PING"}`,
		},
		{
			name: "result with fire_id",
			data: `{"type":"RESULT","fire_id":"f1","status":"success","ticket":"123","price":1.1}`,
			check: func(t *testing.T, f *InboundFrame) {
				if f.FireID != "f1" || f.Ticket != "123" {
					t.Fatalf("bad frame: %+v", f)
				}
			},
		},
		{
			name: "result falls back to signal_id",
			data: `{"type":"RESULT","signal_id":"s9","status":"failed"}`,
			check: func(t *testing.T, f *InboundFrame) {
				if f.FireID != "s9" {
					t.Fatalf("fire_id=%s, expected signal_id fallback", f.FireID)
				}
			},
		},
		{
			name:    "result without any id",
			data:    `{"type":"RESULT","status":"success"}`,
			wantErr: ErrMissingFireID,
		},
		{
			name:    "result with invented status",
			data:    `{"type":"RESULT","fire_id":"f1","status":"partial"}`,
			wantErr: ErrBadStatus,
		},
		{
			name:    "missing type",
			data:    `{"target_uuid":"agent-1"}`,
			wantErr: ErrMissingType,
		},
		{
			name:    "unknown type",
			data:    `{"type":"SHUTDOWN"}`,
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseInbound([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, expected %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestParseInboundRejectsGarbage(t *testing.T) {
	if _, err := ParseInbound([]byte("not json at all")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := ParseInbound([]byte(`{"type":`)); err == nil {
		t.Fatal("expected decode error for truncated frame")
	}
}

func TestFireMessageValidate(t *testing.T) {
	valid := NewFireMessage("f1", "agent-1", "XAUUSD", "BUY", 0.1, 1900, 1950)
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(m *FireMessage)
	}{
		{"missing fire id", func(m *FireMessage) { m.FireID = "" }},
		{"missing agent", func(m *FireMessage) { m.AgentID = "" }},
		{"missing symbol", func(m *FireMessage) { m.Symbol = "" }},
		{"bad direction", func(m *FireMessage) { m.Direction = "HOLD" }},
		{"zero lot", func(m *FireMessage) { m.LotSize = 0 }},
		{"negative lot", func(m *FireMessage) { m.LotSize = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
