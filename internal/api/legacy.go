package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/deck"
	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/engine"
)

// 遥测客户端动作码
const (
	ActionNone  = "0"
	ActionStop  = "1"
	ActionReset = "2"
	ActionStart = "3"
	ActionError = "9"
)

// ActionCode 把建议映射为遥测客户端的动作码
func ActionCode(adv domain.Advice) string {
	reason := strings.ToLower(adv.Reason)
	switch {
	case strings.Contains(reason, "stop") || adv.TableStatus == domain.TableDisabled || adv.StopAtL5:
		return ActionStop
	case strings.Contains(reason, "reset") || strings.Contains(reason, "safewin") || strings.Contains(reason, "martingale"):
		return ActionReset
	case strings.Contains(reason, "start"):
		return ActionStart
	default:
		return ActionNone
	}
}

// legacyForm 遥测客户端参数，username 兼容历史拼写 usernname
type legacyForm struct {
	Username string
	Password string
	Computer string
	Table    string
	Margin   string
	Level    string
	Outcome  string
	Deck     string
	Elapsed  string
}

func parseLegacyForm(c *gin.Context) legacyForm {
	get := func(key string) string {
		if v := c.Query(key); v != "" {
			return v
		}
		return c.PostForm(key)
	}
	f := legacyForm{
		Username: get("username"),
		Password: get("password"),
		Computer: get("COMPUTER"),
		Table:    get("TAVOLO"),
		Margin:   get("MARGINE"),
		Level:    get("COLPO_MARTINGALA"),
		Outcome:  get("PBT"),
		Deck:     get("MAZZO"),
		Elapsed:  get("TEMPO"),
	}
	if f.Username == "" {
		f.Username = get("usernname")
	}
	return f
}

func (f legacyForm) complete() bool {
	return f.Computer != "" && f.Table != "" && f.Outcome != "" &&
		f.Margin != "" && f.Level != "" && f.Deck != ""
}

// parseElapsed "h:m" -> 分钟，格式不对按 0
func parseElapsed(s string) float64 {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0
	}
	hours, err1 := strconv.Atoi(strings.TrimSpace(h))
	mins, err2 := strconv.Atoi(strings.TrimSpace(m))
	if err1 != nil || err2 != nil {
		return 0
	}
	return float64(hours*60 + mins)
}

func parseLegacyOutcome(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "B":
		return "B"
	case "T":
		return "T"
	default:
		return "P"
	}
}

func (s *Server) handleLegacyHand(c *gin.Context) {
	f := parseLegacyForm(c)
	if !s.auth.Verify(f.Username, f.Password) {
		c.String(http.StatusOK, ActionNone)
		return
	}
	if !f.complete() {
		c.String(http.StatusOK, ActionNone)
		return
	}

	tableID, err := strconv.Atoi(strings.TrimSpace(f.Table))
	if err != nil {
		c.String(http.StatusOK, ActionError)
		return
	}
	margin, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(f.Margin), ",", ".", 1), 64)
	if err != nil {
		c.String(http.StatusOK, ActionError)
		return
	}
	level, err := strconv.Atoi(strings.TrimSpace(f.Level))
	if err != nil {
		c.String(http.StatusOK, ActionError)
		return
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(f.Deck))
	if err != nil {
		c.String(http.StatusOK, ActionError)
		return
	}

	ctx := c.Request.Context()
	entry := log.WithFields(logrus.Fields{"user": f.Username, "computer": f.Computer, "table": tableID})

	key := deck.Key(f.Username, f.Computer, tableID)
	handIndex, newShoe, err := s.tracker.Observe(ctx, key, remaining)
	if err != nil {
		entry.Errorf("牌靴跟踪失败: %v", err)
		c.String(http.StatusOK, ActionError)
		return
	}
	settings := s.engine.Settings()
	if newShoe {
		entry.Infof("新牌靴: 剩余 %d 张", remaining)
		if settings.ResetOnMapChange {
			if err := s.engine.ResetShoe(ctx); err != nil {
				entry.Errorf("新牌靴复位失败: %v", err)
			}
		}
	}

	s.active.Touch(key)
	adv, err := s.decide(ctx, engine.Hand{
		TableID:           tableID,
		HandIndex:         handIndex,
		MarginDisplay:     margin,
		MartingaleLevelUI: level + 1,
		HotZoneFlag:       settings.InHotZone(handIndex),
		Outcome:           parseLegacyOutcome(f.Outcome),
		ElapsedMinutes:    parseElapsed(f.Elapsed),
		ActiveTables:      s.active.Count(),
	})
	if err != nil {
		entry.Errorf("决策失败: %v", err)
		c.String(http.StatusOK, ActionError)
		return
	}

	code := ActionCode(adv)
	entry.WithField("code", code).Debugf("hand %d: %s", handIndex, adv.Reason)
	c.String(http.StatusOK, code)
}
