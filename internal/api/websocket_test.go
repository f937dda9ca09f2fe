package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bridge-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func dialFeed(t *testing.T, bus *events.Bus) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{Bus: bus}
	engine := gin.New()
	engine.GET("/api/ws", s.eventFeed)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestEventFeedStreamsBusEvents(t *testing.T) {
	bus := events.NewBus()
	conn := dialFeed(t, bus)
	defer conn.Close()

	// The subscription is set up inside the handler goroutine; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(events.EventFireDispatched) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(events.EventFireDispatched, map[string]string{"fire_id": "f1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Event != string(events.EventFireDispatched) {
		t.Fatalf("event=%s, expected %s", frame.Event, events.EventFireDispatched)
	}
	if frame.Payload["fire_id"] != "f1" {
		t.Fatalf("payload=%v", frame.Payload)
	}
}

func TestEventFeedCleansUpAfterClientVanishes(t *testing.T) {
	bus := events.NewBus()
	conn := dialFeed(t, bus)

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(events.EventTradeResult) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Drop the client with no traffic in flight. The read pump must notice
	// and the handler must release its subscription.
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for bus.Subscribers(events.EventTradeResult) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription survived a vanished client")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
