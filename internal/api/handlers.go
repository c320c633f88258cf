package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/betbot/stakepilot/internal/engine"
	"github.com/betbot/stakepilot/internal/risk"
)

type missionInitRequest struct {
	TargetUnits   float64 `json:"target_units" binding:"required"`
	TargetMinutes float64 `json:"target_minutes" binding:"required"`
}

type missionParamsRequest struct {
	TargetUnits   float64 `json:"target_units"`
	TargetMinutes float64 `json:"target_minutes"`
	TargetTables  int     `json:"target_tables"`
}

type kRequest struct {
	K *float64 `json:"k" binding:"required"`
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func tableParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid table id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleDecide(c *gin.Context) {
	var h engine.Hand
	if err := c.ShouldBindJSON(&h); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if h.ActiveTables <= 0 {
		s.active.Touch(strconv.Itoa(h.TableID))
		h.ActiveTables = s.active.Count()
	}
	adv, err := s.decide(c.Request.Context(), h)
	if errors.Is(err, risk.ErrCircuitBreakerOpen) {
		abortError(c, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		log.Errorf("决策失败: table=%d: %v", h.TableID, err)
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, adv)
}

// handleMission elapsed/tables 缺省时用最近一次上报的值
func (s *Server) handleMission(c *gin.Context) {
	elapsed, tables := s.engine.LastObserved()
	if v := c.Query("elapsed"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		elapsed = f
	}
	if v := c.Query("tables"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		tables = n
	}

	ctx := c.Request.Context()
	snap, err := s.engine.MissionSnapshot(ctx, elapsed, tables)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	ev, err := s.engine.MissionEvaluation(ctx, elapsed, tables)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "evaluation": ev})
}

func (s *Server) handleMissionInfo(c *gin.Context) {
	info, err := s.engine.MissionInfo(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleMissionInit(c *gin.Context) {
	var req missionInitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Initialize(c.Request.Context(), req.TargetUnits, req.TargetMinutes); err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	s.respondMissionInfo(c)
}

func (s *Server) handleMissionParams(c *gin.Context) {
	var req missionParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetMissionParameters(c.Request.Context(), req.TargetUnits, req.TargetMinutes, req.TargetTables); err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	s.respondMissionInfo(c)
}

func (s *Server) respondMissionInfo(c *gin.Context) {
	info, err := s.engine.MissionInfo(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleTableHistory(c *gin.Context) {
	id, ok := tableParam(c)
	if !ok {
		return
	}
	hist, err := s.engine.History(c.Request.Context(), id)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]string, 0, len(hist))
	for _, o := range hist {
		out = append(out, string(o))
	}
	c.JSON(http.StatusOK, gin.H{"table_id": id, "history": out})
}

func (s *Server) handleTableReset(c *gin.Context) {
	id, ok := tableParam(c)
	if !ok {
		return
	}
	if err := s.engine.ResetTable(c.Request.Context(), id); err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"table_id": id, "reset": true})
}

func (s *Server) handleShoeReset(c *gin.Context) {
	if err := s.engine.ResetShoe(c.Request.Context()); err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Server) handleHeavy(c *gin.Context) {
	g, err := s.engine.Global(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	settings := s.engine.Settings()
	c.JSON(http.StatusOK, gin.H{
		"heavy_count":                  g.HeavyCount,
		"global_heavy_cap":             settings.GlobalHeavyCap,
		"hot_overrides_active":         g.HotOverridesActive,
		"hot_overrides_used_this_shoe": g.HotOverridesUsedThisShoe,
		"portfolio_debt_units":         g.PortfolioDebtUnits,
		"cooldown":                     g.Cooldown,
	})
}

func (s *Server) handleGetK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"k": s.engine.K()})
}

func (s *Server) handleSetK(c *gin.Context) {
	var req kRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetK(c.Request.Context(), *req.K); err != nil {
		if errors.Is(err, engine.ErrInvalidK) {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"k": s.engine.K()})
}
