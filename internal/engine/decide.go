package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/heavy"
	"github.com/betbot/stakepilot/internal/metrics"
	"github.com/betbot/stakepilot/internal/mission"
	"github.com/betbot/stakepilot/internal/outcome"
	"github.com/betbot/stakepilot/internal/ports"
)

const (
	graceInputs        = 3 // 每桌前几次输入容忍无效数据
	disableAfter       = 5 // 连续无效次数达到后禁用
	recoverAfter       = 3 // 连续有效次数达到后解除禁用
	vmLocalWindow      = 20
	debtOverrideMaxRun = 5 // 债务超限授权要求闲家连胜 < 该值
	minK               = 1e-7
)

// errGrantBlocked 授权事务内复查未通过，回滚并落入下一分支
var errGrantBlocked = errors.New("heavy grant blocked")

type grantKind int

const (
	grantVelocity grantKind = iota // 本桌近 20 手均值为正
	grantOverride                  // 组合债务超过剩余容量比例
)

func (k grantKind) String() string {
	if k == grantOverride {
		return "override"
	}
	return "velocity"
}

// Decide 处理单手输入并返回建议。
// 业务分支都以 Advice 表达，只有持久化失败才返回 error。
func (e *Engine) Decide(ctx context.Context, h Hand) (domain.Advice, error) {
	unlock := e.lockTable(h.TableID)
	defer unlock()

	metrics.Decisions.Add(1)
	adv, err := e.decide(ctx, h)
	if err != nil {
		metrics.PersistenceErrors.Add(1)
		log.WithField("table", h.TableID).Errorf("决策失败: hand=%d err=%v", h.HandIndex, err)
		return domain.Advice{}, fmt.Errorf("decide table=%d hand=%d: %w", h.TableID, h.HandIndex, err)
	}
	log.WithField("table", h.TableID).Debugf("hand=%d level=%d stake=%.2f stop=%v heavy=%v reason=%s",
		h.HandIndex, adv.LevelIndex, adv.StakeUnits, adv.StopAtL5, adv.AuthorizedHeavy, adv.Reason)
	e.publish(adv)
	return adv, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func signalFor(severeRed bool) domain.Signal {
	if severeRed {
		return domain.SignalRed
	}
	return domain.SignalGreen
}

func (e *Engine) decide(ctx context.Context, h Hand) (domain.Advice, error) {
	s := e.mission.Current()
	ts, err := e.store.Table(ctx, h.TableID)
	if err != nil {
		return domain.Advice{}, err
	}
	rs := ts.Row

	invalid := h.TableID <= 0 || h.HandIndex <= 0 || !finite(h.MarginDisplay) || h.MartingaleLevelUI < 1

	// 重放：同一手、同一输入
	seen, err := e.store.IsSeen(ctx, h.TableID, h.HandIndex)
	if err != nil {
		return domain.Advice{}, err
	}
	if seen && ts.LastAdvice != nil && ts.LastInput.Matches(h.HandIndex, h.MarginDisplay, h.MartingaleLevelUI, h.Outcome) {
		return e.replay(ctx, h, s, rs, *ts.LastInput, *ts.LastAdvice)
	}
	if err := e.store.MarkSeen(ctx, h.TableID, h.HandIndex); err != nil {
		return domain.Advice{}, err
	}

	rs.WarmInputs++
	inGrace := rs.WarmInputs <= graceInputs
	tolerated := (rs.ForceToL8Active && h.MartingaleLevelUI >= 6) || inGrace

	if invalid && !tolerated {
		return e.rejectInvalid(ctx, h, rs)
	}

	rs.ValidRecovery++
	if rs.ValidRecovery >= recoverAfter && (rs.Disabled || rs.InvalidCount > 0) {
		if rs.Disabled {
			log.WithField("table", h.TableID).Infof("桌恢复可用")
		}
		rs.Disabled = false
		rs.InvalidCount = 0
	}
	if rs.Disabled {
		if err := e.saveRow(ctx, h.TableID, rs); err != nil {
			return domain.Advice{}, err
		}
		return disabledAdvice(h), nil
	}

	// 全局盈亏折算
	k := math.Max(minK, s.K)
	units := ts.MarginUnits
	if finite(h.MarginDisplay) {
		units = h.MarginDisplay / k
	}
	g, err := e.store.FoldTableMargin(ctx, h.TableID, units)
	if err != nil {
		return domain.Advice{}, err
	}

	phase, err := e.mission.Retune(ctx, g.GlobalMarginUnits, h.ElapsedMinutes, h.ActiveTables)
	if err != nil {
		return domain.Advice{}, err
	}
	e.observe(h.ElapsedMinutes, h.ActiveTables)
	s = e.mission.Current()
	k = math.Max(minK, s.K)

	base := domain.Advice{
		TableID:      h.TableID,
		HandIndex:    h.HandIndex,
		HotZoneLabel: s.HotZoneLabel(h.HandIndex),
		SignalW10:    domain.SignalGreen,
		TableStatus:  domain.TableActive,
		VMLocal20:    rs.VMLocal20,
	}
	if invalid {
		base.TableStatus = domain.TableWarning
	}

	if phase == mission.PhaseCompleted || phase == mission.PhaseFrozen {
		adv := base
		adv.StopAtL5 = true
		adv.Reason = "STOP-WIN"
		adv.Prediction = "Mission stop"
		adv.TableStatus = domain.TableMissionComplete
		fillGlobal(&adv, g, k)
		return adv, e.saveDecision(ctx, h, rs, adv, domain.ParseOutcome(h.Outcome))
	}

	// L5 前置检查
	if h.MartingaleLevelUI == 5 {
		stop, gs, err := e.preemptiveStop(ctx, s, h.ActiveTables)
		if err != nil {
			return domain.Advice{}, err
		}
		if stop {
			adv := base
			adv.LevelIndex = 4
			adv.StopAtL5 = true
			adv.Reason = "Stop L5 preemptive"
			adv.Prediction = "Stop L5"
			adv.VMLocal20 = 0
			fillGlobal(&adv, gs, k)
			metrics.L5Stops.Add(1)
			log.WithField("table", h.TableID).Infof("L5 前置停止: heavy=%d cooldown=%d debt=%.2f",
				gs.HeavyCount, gs.Cooldown, gs.PortfolioDebtUnits)
			return adv, e.saveDecision(ctx, h, rs, adv, domain.ParseOutcome(h.Outcome))
		}
	}

	// 阶梯
	levelIdx := outcome.ToLevelIndex(h.MartingaleLevelUI)
	stake := s.StakeAt(levelIdx)

	res := domain.ParseOutcome(h.Outcome)
	if !res.Valid() {
		res = e.classifier(s).Infer(outcome.PrevFromRow(rs), levelIdx, units)
	}
	rs.PushHistory(res, s.WindowW10)
	switch res {
	case domain.OutcomePlayer:
		rs.RunP++
	case domain.OutcomeBanker:
		rs.RunP = 0
	}
	rs.HandCount++
	if finite(h.MarginDisplay) {
		rs.MargineAccum += h.MarginDisplay
	}
	if rs.HandCount%vmLocalWindow == 0 {
		rs.VMLocal20 = rs.MargineAccum / vmLocalWindow
		rs.MargineAccum = 0
	}

	// 重仓退出 + 冷却递减
	exiting := res == domain.OutcomeBanker && rs.PrevLevel >= 5 && levelIdx == 0 && rs.ForceToL8Active
	if exiting {
		rs.ForceToL8Active = false
		log.WithField("table", h.TableID).Infof("重仓结束")
	}
	g, err = e.store.UpdateGlobal(ctx, func(gs *domain.GlobalState) error {
		if exiting {
			gs.HotOverridesActive = maxInt(0, gs.HotOverridesActive-1)
		}
		if gs.Cooldown > 0 {
			gs.Cooldown--
		}
		return nil
	})
	if err != nil {
		return domain.Advice{}, err
	}

	severeRed := rs.MaxRunTable() > s.MaxRunSideAllowedTable+s.SevereRedMargin

	adv := base
	adv.LevelIndex = levelIdx
	adv.StakeUnits = domain.Round2(stake * k)
	adv.HotZone = h.HotZoneFlag && s.InHotZone(h.HandIndex)
	adv.VMLocal20 = rs.VMLocal20
	adv.SignalW10 = signalFor(severeRed)
	adv.SignalTableW10 = signalFor(severeRed)
	adv.Prediction = "Continue"
	adv.Reason = fmt.Sprintf("Ladder L%d", levelIdx+1)

	if rs.ForceToL8Active && levelIdx >= 4 {
		adv.AuthorizedHeavy = true
		adv.Prediction = "Heavy L8"
		adv.Reason = fmt.Sprintf("Heavy active L%d", levelIdx+1)

		if levelIdx >= 5 {
			if err := e.heavy.SyncDelay(ctx, s); err != nil {
				return domain.Advice{}, err
			}
			g, err = e.store.UpdateGlobal(ctx, func(gs *domain.GlobalState) error {
				gs.HeavyCount++
				gs.Cooldown = maxInt(gs.Cooldown, s.RegimeFor(gs.GlobalMarginUnits).Cooldown)
				return nil
			})
			if err != nil {
				return domain.Advice{}, err
			}
			fillGlobal(&adv, g, k)
			finalizeRow(&rs, h.HandIndex, levelIdx, units, stake)
			if err := e.saveDecision(ctx, h, rs, adv, res); err != nil {
				return domain.Advice{}, err
			}
			return adv, e.heavy.Decay(ctx, s, true)
		}
	}

	if levelIdx == 4 && !rs.ForceToL8Active {
		g, err = e.levelFive(ctx, h, s, &rs, &adv, g, severeRed)
		if err != nil {
			return domain.Advice{}, err
		}
	}

	fillGlobal(&adv, g, k)
	adv.Diagnostics = diagnostics(h, rs, g, s)

	finalizeRow(&rs, h.HandIndex, levelIdx, units, stake)
	if err := e.saveDecision(ctx, h, rs, adv, res); err != nil {
		return domain.Advice{}, err
	}
	return adv, e.heavy.Decay(ctx, s, adv.AuthorizedHeavy && adv.LevelIndex >= 5)
}

// replay 重放同一输入：只追加走势窗口并重算短窗口信号，其余原样返回。
// 追加的是首次处理时确定的结果（含推断结果）。
func (e *Engine) replay(ctx context.Context, h Hand, s domain.Settings, rs domain.RowState, li domain.LastInput, adv domain.Advice) (domain.Advice, error) {
	metrics.DecisionReplays.Add(1)
	res := li.Resolved
	if !res.Valid() {
		res = domain.ParseOutcome(h.Outcome)
	}
	rs.PushHistory(res, s.WindowW10)
	adv.SignalW10 = signalFor(rs.MaxRunTable() > s.MaxRunSideAllowedTable+s.SevereRedMargin)
	if err := e.saveRow(ctx, h.TableID, rs); err != nil {
		return domain.Advice{}, err
	}
	log.WithField("table", h.TableID).Debugf("重放 hand=%d", h.HandIndex)
	return adv, nil
}

func (e *Engine) rejectInvalid(ctx context.Context, h Hand, rs domain.RowState) (domain.Advice, error) {
	metrics.DecisionInvalid.Add(1)
	rs.InvalidCount++
	rs.ValidRecovery = 0

	if rs.InvalidCount >= disableAfter {
		if !rs.Disabled {
			metrics.TablesDisabled.Add(1)
			log.WithField("table", h.TableID).Warnf("连续 %d 次无效输入，桌已禁用", rs.InvalidCount)
		}
		rs.Disabled = true
		if err := e.saveRow(ctx, h.TableID, rs); err != nil {
			return domain.Advice{}, err
		}
		return disabledAdvice(h), nil
	}

	if err := e.saveRow(ctx, h.TableID, rs); err != nil {
		return domain.Advice{}, err
	}
	log.WithField("table", h.TableID).Warnf("无效输入 (%d/%d): hand=%d level=%d margin=%v",
		rs.InvalidCount, disableAfter, h.HandIndex, h.MartingaleLevelUI, h.MarginDisplay)
	return domain.Advice{
		TableID:     h.TableID,
		HandIndex:   h.HandIndex,
		Reason:      "Invalid input",
		Prediction:  "Wait",
		SignalW10:   domain.SignalYellow,
		TableStatus: domain.TableWarning,
	}, nil
}

func disabledAdvice(h Hand) domain.Advice {
	return domain.Advice{
		TableID:        h.TableID,
		HandIndex:      h.HandIndex,
		StopAtL5:       true,
		Reason:         "Table disabled",
		Prediction:     "Disabled",
		SignalW10:      domain.SignalRed,
		SignalTableW10: domain.SignalRed,
		TableStatus:    domain.TableDisabled,
	}
}

// preemptiveStop L5 入口：名额已满 / 冷却中 / 债务超限时直接停止，并把冷却抬到当前档位
func (e *Engine) preemptiveStop(ctx context.Context, s domain.Settings, activeTables int) (bool, domain.GlobalState, error) {
	capacity := s.ResidualCapacityUnits(activeTables)
	stop := false
	g, err := e.store.UpdateGlobal(ctx, func(gs *domain.GlobalState) error {
		regime := s.RegimeFor(gs.GlobalMarginUnits)
		roomClosed := gs.HeavyCount >= regime.Hmax || gs.Cooldown > 0
		triggerDebt := gs.PortfolioDebtUnits > s.DebtTriggerRatio*capacity
		if roomClosed || triggerDebt {
			stop = true
			gs.Cooldown = maxInt(gs.Cooldown, regime.Cooldown)
		}
		return nil
	})
	return stop, g, err
}

// levelFive L5 分支：热区或严重红信号停止；否则尝试授权重仓；都不满足则默认停止并记入组合债务
func (e *Engine) levelFive(ctx context.Context, h Hand, s domain.Settings, rs *domain.RowState, adv *domain.Advice, g domain.GlobalState, severeRed bool) (domain.GlobalState, error) {
	if !adv.HotZone && !severeRed {
		for _, kind := range e.candidates(s, *rs, g, h.ActiveTables) {
			if err := e.heavy.SyncDelay(ctx, s); err != nil {
				return g, err
			}
			granted, gs, err := e.grantHeavy(ctx, kind, s, *rs, h.ActiveTables)
			if err != nil {
				return g, err
			}
			// 只尝试第一个候选，被拒即默认停止
			if !granted {
				break
			}
			rs.ForceToL8Active = true
			adv.StopAtL5 = false
			adv.AuthorizedHeavy = true
			adv.Prediction = "Heavy L8"
			adv.Reason = fmt.Sprintf("Heavy authorized (%s)", kind)
			metrics.HeavyGrants.Add(1)
			if kind == grantOverride {
				metrics.HotOverrides.Add(1)
			}
			log.WithField("table", h.TableID).Infof("授权重仓(%s): heavy=%d cooldown=%d", kind, gs.HeavyCount, gs.Cooldown)
			return gs, nil
		}
	}

	reason := "Stop L5"
	switch {
	case adv.HotZone:
		reason = "Stop L5 hot zone"
	case severeRed:
		reason = "Stop L5 severe red"
	}
	gs, err := e.store.UpdateGlobal(ctx, func(gs *domain.GlobalState) error {
		gs.PortfolioDebtUnits += s.L5LossUnits
		return nil
	})
	if err != nil {
		return g, err
	}
	rs.L5ClosedCount++
	adv.StopAtL5 = true
	adv.Prediction = "Stop L5"
	adv.Reason = reason
	metrics.L5Stops.Add(1)
	log.WithField("table", h.TableID).Infof("%s: debt=%.2f", reason, gs.PortfolioDebtUnits)
	return gs, nil
}

// candidates 按快照预判可尝试的授权类型，真正的判定在授权事务里复查
func (e *Engine) candidates(s domain.Settings, rs domain.RowState, g domain.GlobalState, activeTables int) []grantKind {
	regime := s.RegimeFor(g.GlobalMarginUnits)
	if g.Cooldown > 0 || g.HeavyCount >= regime.Hmax {
		return nil
	}
	var out []grantKind
	if rs.VMLocal20 > 0 {
		out = append(out, grantVelocity)
	}
	if debtTriggered(s, g, activeTables) && overrideAvailable(s, g) && rs.RunP < debtOverrideMaxRun {
		out = append(out, grantOverride)
	}
	return out
}

func debtTriggered(s domain.Settings, g domain.GlobalState, activeTables int) bool {
	return g.PortfolioDebtUnits > s.DebtTriggerRatio*s.ResidualCapacityUnits(activeTables)
}

func overrideAvailable(s domain.Settings, g domain.GlobalState) bool {
	return g.HotOverridesActive < s.MaxHotOverridesConcurrent && g.HotOverridesUsedThisShoe < s.MaxHotOverridesPerShoe
}

// grantHeavy 在一个事务内复查冷却、名额、债务与超限预算，再经过全局限流登记，最后占用名额
func (e *Engine) grantHeavy(ctx context.Context, kind grantKind, s domain.Settings, rs domain.RowState, activeTables int) (bool, domain.GlobalState, error) {
	var committed domain.GlobalState
	err := e.store.Update(ctx, func(tx ports.Tx) error {
		gs, err := tx.Global()
		if err != nil {
			return err
		}
		regime := s.RegimeFor(gs.GlobalMarginUnits)
		if gs.Cooldown > 0 || gs.HeavyCount >= regime.Hmax {
			return errGrantBlocked
		}
		if kind == grantOverride {
			if !debtTriggered(s, *gs, activeTables) || !overrideAvailable(s, *gs) || rs.RunP >= debtOverrideMaxRun {
				return errGrantBlocked
			}
		}

		ok, err := heavy.Admit(tx, s, e.heavy.Now())
		if err != nil {
			return err
		}
		if !ok {
			return errGrantBlocked
		}

		gs.HeavyCount++
		gs.Cooldown = regime.Cooldown
		if kind == grantOverride {
			gs.HotOverridesActive++
			gs.HotOverridesUsedThisShoe++
		}
		committed = *gs
		return nil
	})
	if errors.Is(err, errGrantBlocked) {
		g, gerr := e.store.Global(ctx)
		return false, g, gerr
	}
	if err != nil {
		return false, domain.GlobalState{}, err
	}
	return true, committed, nil
}

type diagnosticsPayload struct {
	HandNo     int  `json:"handNo"`
	RunP       int  `json:"runP"`
	MaxRunP    int  `json:"maxRunP"`
	HeavyCount int  `json:"heavyCount"`
	Hmax       int  `json:"hmax"`
	Cdn        int  `json:"cdn"`
	Cooldown   int  `json:"cooldown"`
	Signal     bool `json:"signal"`
}

func diagnostics(h Hand, rs domain.RowState, g domain.GlobalState, s domain.Settings) string {
	regime := s.RegimeFor(g.GlobalMarginUnits)
	b, err := json.Marshal(diagnosticsPayload{
		HandNo:     h.HandIndex,
		RunP:       rs.RunP,
		MaxRunP:    rs.MaxRunP(),
		HeavyCount: g.HeavyCount,
		Hmax:       regime.Hmax,
		Cdn:        regime.Cooldown,
		Cooldown:   g.Cooldown,
		Signal:     h.SignalFlag,
	})
	if err != nil {
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(out)
	}
	return string(b)
}

func fillGlobal(adv *domain.Advice, g domain.GlobalState, k float64) {
	adv.GlobalMargin = domain.Round2(g.GlobalMarginUnits * k)
	adv.PortfolioDebtUnits = g.PortfolioDebtUnits
	adv.HotOverridesActive = g.HotOverridesActive
	adv.HotOverridesUsedThisShoe = g.HotOverridesUsedThisShoe
}

func finalizeRow(rs *domain.RowState, hand, levelIdx int, marginUnits, stake float64) {
	prev := hand
	rs.PrevMazzo = &prev
	rs.PrevLevel = levelIdx
	rs.PrevMargine = marginUnits
	rs.PrevStake = stake
}

func (e *Engine) saveRow(ctx context.Context, tableID int, rs domain.RowState) error {
	_, err := e.store.UpdateTable(ctx, tableID, func(ts *domain.TableState) error {
		ts.Row = rs
		return nil
	})
	return err
}

// saveDecision 行状态、建议与原始输入在同一次写入中提交
func (e *Engine) saveDecision(ctx context.Context, h Hand, rs domain.RowState, adv domain.Advice, res domain.Outcome) error {
	_, err := e.store.UpdateTable(ctx, h.TableID, func(ts *domain.TableState) error {
		ts.Row = rs
		stored := adv
		ts.LastAdvice = &stored
		ts.LastInput = nil
		// 非有限盈亏无法编码，也不参与重放判定
		if finite(h.MarginDisplay) {
			ts.LastInput = &domain.LastInput{
				HandIndex:  h.HandIndex,
				Margin:     h.MarginDisplay,
				LevelUI:    h.MartingaleLevelUI,
				OutcomeRaw: h.Outcome,
				Resolved:   res,
			}
		}
		return nil
	})
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
