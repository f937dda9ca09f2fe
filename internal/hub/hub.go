// Package hub multiplexes agent websocket connections. One socket carries
// every inbound frame type; outbound fire payloads are pushed down the same
// socket.
package hub

import (
	"net/http"
	"sync"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/monitor"
	"bridge-core/internal/registry"
	"bridge-core/internal/transport"
	"bridge-core/internal/wire"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ResultHandler consumes RESULT frames. Implemented by the outcome reconciler.
type ResultHandler interface {
	HandleResult(frame *wire.InboundFrame)
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // gorilla allows one concurrent writer
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Hub owns the live agent connections and implements transport.Transport.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn

	registry *registry.Registry
	results  ResultHandler
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
}

// New creates the hub.
func New(reg *registry.Registry, results ResultHandler, bus *events.Bus, metrics *monitor.SystemMetrics) *Hub {
	return &Hub{
		conns:    make(map[string]*conn),
		registry: reg,
		results:  results,
		bus:      bus,
		metrics:  metrics,
	}
}

// Name implements transport.Transport.
func (h *Hub) Name() string { return "websocket" }

// Send pushes a payload to a connected agent. Missing connections are an
// error; the caller decides what a failed send means.
func (h *Hub) Send(agentID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return transport.ErrAgentUnavailable
	}
	if err := c.write(payload); err != nil {
		h.drop(agentID, c)
		return err
	}
	return nil
}

// Connected reports whether the agent currently holds a socket.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// ConnectedCount returns the number of live agent sockets.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Handler is the gin endpoint agents connect to.
func (h *Hub) Handler(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("ws upgrade failed")
		return
	}
	h.serve(ws, c.ClientIP())
}

// serve runs the read loop for one socket. A malformed frame is logged and
// discarded; only a transport error ends the loop.
func (h *Hub) serve(ws *websocket.Conn, remote string) {
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)

	cn := &conn{ws: ws}
	var agentID string
	defer func() {
		if agentID != "" {
			h.drop(agentID, cn)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("agent", agentID).Msg("ws read error")
			}
			return
		}

		frame, err := wire.ParseInbound(data)
		if err != nil {
			if h.metrics != nil {
				h.metrics.IncrementMalformedFrames()
			}
			log.Warn().Err(err).Str("remote", remote).Msg("discarding malformed frame")
			continue
		}

		switch frame.Type {
		case wire.TypeHello:
			agentID = h.register(frame.AgentID, cn)
			h.heartbeat(frame)
		case wire.TypeHeartbeat:
			if agentID == "" {
				agentID = h.register(frame.AgentID, cn)
			}
			h.heartbeat(frame)
		case wire.TypePing:
			if err := cn.writeJSON(wire.NewPong()); err != nil {
				log.Warn().Err(err).Str("agent", agentID).Msg("pong write failed")
				return
			}
		case wire.TypeResult:
			if h.results != nil {
				h.results.HandleResult(frame)
			}
		}
	}
}

// register binds the socket to the agent identity, replacing any previous
// socket for the same agent.
func (h *Hub) register(agentID string, cn *conn) string {
	h.mu.Lock()
	old, had := h.conns[agentID]
	h.conns[agentID] = cn
	h.mu.Unlock()

	if had && old != cn {
		_ = old.ws.Close()
		log.Info().Str("agent", agentID).Msg("replaced stale agent socket")
	}
	log.Info().Str("agent", agentID).Msg("agent socket registered")
	return agentID
}

func (h *Hub) drop(agentID string, cn *conn) {
	h.mu.Lock()
	if cur, ok := h.conns[agentID]; ok && cur == cn {
		delete(h.conns, agentID)
	}
	h.mu.Unlock()

	_ = cn.ws.Close()
	if h.bus != nil {
		h.bus.Publish(events.EventAgentDisconnected, agentID)
	}
	log.Info().Str("agent", agentID).Msg("agent socket dropped")
}

func (h *Hub) heartbeat(frame *wire.InboundFrame) {
	if h.metrics != nil {
		h.metrics.IncrementHeartbeats()
	}
	h.registry.RecordHeartbeat(frame.AgentID, registry.Heartbeat{
		UserID:       frame.UserID,
		AccountLogin: frame.AccountLogin,
		Broker:       frame.Broker,
		Currency:     frame.Currency,
		Leverage:     frame.Leverage,
		Balance:      frame.Balance,
		Equity:       frame.Equity,
	})
}
