package api

import (
	"net/http"
	"strconv"
	"time"

	"bridge-core/internal/router"
	"bridge-core/internal/slots"
	"bridge-core/internal/terminals"
	"bridge-core/pkg/db"

	"github.com/gin-gonic/gin"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "running",
		"version":          s.Meta.Version,
		"instance_id":      s.Meta.InstanceID,
		"transport":        s.Meta.Transport,
		"agents_known":     s.Registry.Count(),
		"agents_connected": s.Hub.ConnectedCount(),
		"agent_ttl_sec":    int(s.AgentTTL.Seconds()),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not ready"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getQueueMetrics(c *gin.Context) {
	if s.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics": s.Queue.GetMetrics(),
		"pending": s.Queue.Pending(),
	})
}

// agentView decorates the registry snapshot with liveness.
type agentView struct {
	db.Agent
	Fresh     bool `json:"fresh"`
	Connected bool `json:"connected"`
}

func (s *Server) getAgents(c *gin.Context) {
	snapshot := s.Registry.Snapshot()
	out := make([]agentView, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, agentView{
			Agent:     a,
			Fresh:     s.Registry.IsFresh(a.ID, s.AgentTTL),
			Connected: s.Hub.Connected(a.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "count": len(out)})
}

func (s *Server) getAgent(c *gin.Context) {
	id := c.Param("id")
	a, ok := s.Registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	c.JSON(http.StatusOK, agentView{
		Agent:     a,
		Fresh:     s.Registry.IsFresh(id, s.AgentTTL),
		Connected: s.Hub.Connected(id),
	})
}

func (s *Server) postFire(c *gin.Context) {
	var cmd router.FireCommand
	if err := c.BindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	fireID, err := s.Fires.Submit(cmd)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"fire_id": fireID,
		"status":  "accepted",
	})
}

func (s *Server) getFire(c *gin.Context) {
	trade, err := s.DB.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == db.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown fire"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) getFireOutcomes(c *gin.Context) {
	outcomes, err := s.DB.ListOutcomesByFire(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "count": len(outcomes)})
}

func (s *Server) getRiskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.RiskCtl.StatusFor(c.Param("user_id")))
}

func (s *Server) setRiskMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	userID := c.Param("user_id")
	ok, reason := s.RiskCtl.SetMode(userID, req.Mode)
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"accepted": ok, "reason": reason, "mode": s.RiskCtl.Mode(userID)})
}

func (s *Server) setRiskTier(c *gin.Context) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	userID := c.Param("user_id")
	s.RiskCtl.SetTier(userID, req.Tier)
	c.JSON(http.StatusOK, gin.H{"tier": s.RiskCtl.TierFor(userID).Name})
}

func (s *Server) getSlots(c *gin.Context) {
	userID := c.Param("user_id")
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"auto": gin.H{
			"in_use": s.SlotMgr.InUse(userID, slots.TypeAuto),
			"limit":  s.RiskCtl.SlotLimit(userID, slots.TypeAuto),
		},
		"manual": gin.H{
			"in_use": s.SlotMgr.InUse(userID, slots.TypeManual),
			"limit":  s.RiskCtl.SlotLimit(userID, slots.TypeManual),
		},
	})
}

func (s *Server) reconcileSlots(c *gin.Context) {
	report, err := s.SlotMgr.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getTerminals(c *gin.Context) {
	list := s.TermMgr.List()
	c.JSON(http.StatusOK, gin.H{"terminals": list, "count": len(list)})
}

func (s *Server) addTerminal(c *gin.Context) {
	var req struct {
		ID       string `json:"terminal_id"`
		Type     string `json:"type"`
		Capacity int    `json:"capacity"`
	}
	if err := c.BindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	switch req.Type {
	case terminals.TypePressPass, terminals.TypeDemo, terminals.TypeLive:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown terminal type"})
		return
	}

	if err := s.TermMgr.Add(c.Request.Context(), req.ID, req.Type, req.Capacity); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"terminal_id": req.ID})
}

func (s *Server) setTerminalStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	id := c.Param("id")
	if err := s.TermMgr.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		if err == db.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown terminal"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminal_id": id, "status": req.Status})
}

func (s *Server) assignTerminal(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
		Type   string `json:"type"`
	}
	if err := c.BindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	handle, reason := s.TermMgr.Assign(c.Request.Context(), req.UserID, req.Type)
	if handle == nil {
		c.JSON(http.StatusConflict, gin.H{"error": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": handle, "reason": reason})
}

func (s *Server) releaseTerminal(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
		Type   string `json:"type"`
	}
	if err := c.BindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	s.TermMgr.Release(c.Request.Context(), req.UserID, req.Type)
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (s *Server) getAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.DB.ListAuditBySubject(c.Request.Context(), c.Param("subject"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
