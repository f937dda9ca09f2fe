package hub

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bridge-core/internal/registry"
	"bridge-core/internal/transport"
	"bridge-core/internal/wire"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type resultCollector struct {
	mu     sync.Mutex
	frames []*wire.InboundFrame
}

func (r *resultCollector) HandleResult(frame *wire.InboundFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *resultCollector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newTestHub(t *testing.T) (*Hub, *registry.Registry, *resultCollector, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(nil, nil, "test")
	results := &resultCollector{}
	h := New(reg, results, nil, nil)

	engine := gin.New()
	engine.GET("/agent/ws", h.Handler)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agent/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return h, reg, results, conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHelloRegistersAgent(t *testing.T) {
	h, reg, _, conn := newTestHub(t)

	msg := `{"type":"HELLO","target_uuid":"agent-1","user_id":"u1","balance":5000}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return h.Connected("agent-1") }, "agent never registered")

	a, ok := reg.Get("agent-1")
	if !ok {
		t.Fatal("agent missing from registry")
	}
	if a.UserID != "u1" || a.Balance != 5000 {
		t.Fatalf("telemetry not recorded: %+v", a)
	}
	if !reg.IsFresh("agent-1", time.Minute) {
		t.Fatal("agent not fresh after HELLO")
	}
}

func TestPingGetsPong(t *testing.T) {
	_, _, _, conn := newTestHub(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PING"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong wire.Pong
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != wire.TypePong {
		t.Fatalf("reply type=%s, expected %s", pong.Type, wire.TypePong)
	}
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	_, _, _, conn := newTestHub(t)

	// Garbage, then an unknown type, then a valid PING. The connection must
	// survive the first two and answer the third.
	for _, msg := range []string{"not json", `{"type":"SELF_DESTRUCT"}`, `{"type":"PING"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong wire.Pong
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("connection died on malformed frames: %v", err)
	}
}

func TestResultFramesReachHandler(t *testing.T) {
	_, _, results, conn := newTestHub(t)

	msg := `{"type":"RESULT","fire_id":"f1","status":"success","ticket":"t-1"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return results.count() == 1 }, "result never delivered")
}

func TestSendRequiresConnection(t *testing.T) {
	h, _, _, conn := newTestHub(t)

	if err := h.Send("never-connected", []byte("{}")); err != transport.ErrAgentUnavailable {
		t.Fatalf("err=%v, expected ErrAgentUnavailable", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO","target_uuid":"agent-1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return h.Connected("agent-1") }, "agent never registered")

	if err := h.Send("agent-1", []byte(`{"type":"fire"}`)); err != nil {
		t.Fatalf("send to connected agent: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pushed payload: %v", err)
	}
	if string(payload) != `{"type":"fire"}` {
		t.Fatalf("payload=%s", payload)
	}
}
