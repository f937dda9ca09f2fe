package api

import (
	"net/http"
	"time"

	"bridge-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
)

// feedEvents are the topics streamed to operator dashboards.
var feedEvents = []events.Event{
	events.EventAgentConnected,
	events.EventAgentDisconnected,
	events.EventAgentStale,
	events.EventFireDispatched,
	events.EventFireRejected,
	events.EventTradeResult,
	events.EventCooldownEntered,
	events.EventCooldownCleared,
	events.EventSlotReconciled,
}

type feedFrame struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

// eventFeed streams bus events over a websocket until the client goes away.
// A read pump and periodic pings surface dead peers even when no events flow.
func (s *Server) eventFeed(c *gin.Context) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("event feed upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.Subscribe(100, feedEvents...)
	defer unsub()

	// The feed is write-only, but the read pump is what notices a vanished
	// client and services pong control frames.
	readerDone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(feedFrame{Event: msg.Event, Payload: msg.Payload}); err != nil {
				log.Debug().Err(err).Msg("event feed write error, closing")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}
