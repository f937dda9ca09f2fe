// Package api exposes the operator HTTP surface: fire intake, agent and risk
// visibility, terminal administration, and the live event feed.
package api

import (
	"net/http"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/hub"
	"bridge-core/internal/monitor"
	"bridge-core/internal/registry"
	"bridge-core/internal/risk"
	"bridge-core/internal/router"
	"bridge-core/internal/slots"
	"bridge-core/internal/terminals"
	"bridge-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the bridge managers.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	DB       *db.Database
	Registry *registry.Registry
	RiskCtl  *risk.Controller
	SlotMgr  *slots.Manager
	TermMgr  *terminals.Manager
	Fires    *router.Router
	Hub      *hub.Hub
	Metrics  *monitor.SystemMetrics
	Queue    *router.PersistentQueue

	AgentTTL  time.Duration
	JWTSecret string
	Operator  OperatorCredentials
	Meta      SystemMeta
}

// OperatorCredentials is the single configured operator login.
type OperatorCredentials struct {
	Username string
	PassHash string // bcrypt
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Transport  string
	InstanceID string
	Version    string
}

// NewServer builds the gin engine with the full middleware stack and routes.
func NewServer(bus *events.Bus, database *db.Database, reg *registry.Registry,
	riskCtl *risk.Controller, slotMgr *slots.Manager, termMgr *terminals.Manager,
	fires *router.Router, agentHub *hub.Hub, metrics *monitor.SystemMetrics,
	queue *router.PersistentQueue, agentTTL time.Duration,
	jwtSecret string, operator OperatorCredentials, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Registry:  reg,
		RiskCtl:   riskCtl,
		SlotMgr:   slotMgr,
		TermMgr:   termMgr,
		Fires:     fires,
		Hub:       agentHub,
		Metrics:   metrics,
		Queue:     queue,
		AgentTTL:  agentTTL,
		JWTSecret: jwtSecret,
		Operator:  operator,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	// Agent socket: no JWT, agents authenticate by announcing their identity
	// and the registry tracks ownership drift.
	s.Router.GET("/agent/ws", s.Hub.Handler)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/queue/metrics", s.getQueueMetrics)

		api.POST("/auth/login", s.loginOperator)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/agents", s.getAgents)
			protected.GET("/agents/:id", s.getAgent)

			protected.POST("/fire", s.postFire)
			protected.GET("/fires/:id", s.getFire)
			protected.GET("/fires/:id/outcomes", s.getFireOutcomes)

			protected.GET("/risk/:user_id", s.getRiskStatus)
			protected.POST("/risk/:user_id/mode", s.setRiskMode)
			protected.POST("/risk/:user_id/tier", s.setRiskTier)

			protected.GET("/slots/:user_id", s.getSlots)
			protected.POST("/slots/reconcile", s.reconcileSlots)

			protected.GET("/terminals", s.getTerminals)
			protected.POST("/terminals", s.addTerminal)
			protected.POST("/terminals/:id/status", s.setTerminalStatus)
			protected.POST("/terminals/assign", s.assignTerminal)
			protected.POST("/terminals/release", s.releaseTerminal)

			protected.GET("/audit/:subject", s.getAudit)
			protected.GET("/ws", s.eventFeed)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
