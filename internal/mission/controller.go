package mission

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/metrics"
	"github.com/betbot/stakepilot/internal/ports"
)

var log = logrus.WithField("module", "mission")

const (
	WarmUpMinutes     = 10.0
	EfficiencyFactor  = 0.25 // 目标按活跃桌折算后的有效比例
	BufferFactor      = 1.2  // 时长按活跃桌折算后的宽限
	completedCooldown = 9999
)

// Phase 本次调参所处阶段
type Phase string

const (
	PhaseWarmUp     Phase = "warm_up"
	PhaseCompleted  Phase = "completed"
	PhaseLate       Phase = "late"
	PhaseAggressive Phase = "aggressive"
	PhaseProtective Phase = "protective"
	PhaseNeutral    Phase = "neutral"
	PhaseFrozen     Phase = "frozen" // 已完成，参数保持冻结
)

// Controller 自适应任务控制器。
//
// 当前参数快照以 atomic.Pointer 持有，调参时先在存储事务中合并补丁，
// 提交成功后整体替换指针；读取方拿到的永远是一份完整一致的快照。
type Controller struct {
	store ports.Store
	base  domain.Settings

	mu      sync.Mutex // 串行化 调参提交 + 指针替换
	current atomic.Pointer[domain.Settings]
}

// NewController 创建控制器，base 为初始化任务时恢复的基础参数
func NewController(store ports.Store, base domain.Settings) *Controller {
	c := &Controller{store: store, base: base.Clone()}
	snap := base.Clone()
	c.current.Store(&snap)
	return c
}

// Load 从存储加载当前参数快照
func (c *Controller) Load(ctx context.Context) error {
	s, err := c.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	c.current.Store(&s)
	return nil
}

// Current 当前参数快照（只读副本）
func (c *Controller) Current() domain.Settings {
	return c.current.Load().Clone()
}

// Patch 合并补丁并替换快照
func (c *Controller) Patch(ctx context.Context, p domain.SettingsPatch) (domain.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.store.UpdateSettings(ctx, func(s *domain.Settings) error {
		*s = s.Apply(p)
		return nil
	})
	if err != nil {
		return domain.Settings{}, fmt.Errorf("update settings: %w", err)
	}
	c.current.Store(&s)
	return s.Clone(), nil
}

// Initialize 重新开始任务：目标桌数 10，完成标志清零，参数恢复为基础值（保留当前 k）
func (c *Controller) Initialize(ctx context.Context, targetUnits, targetMinutes float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var committed domain.Settings
	err := c.store.Update(ctx, func(tx ports.Tx) error {
		s, err := tx.Settings()
		if err != nil {
			return err
		}
		k := s.K
		*s = c.base.Clone()
		if k > 0 {
			s.K = k
		}
		committed = s.Clone()

		r, err := tx.Regia()
		if err != nil {
			return err
		}
		snap := committed.Clone()
		*r = domain.RegiaState{
			TargetUnitsTotal:    targetUnits,
			TargetMinutesTotal:  targetMinutes,
			TargetTables:        10,
			TargetUnitsPerTable: math.Max(1, math.Floor(targetUnits/10)),
			MissionCompleted:    false,
			VMTargetGlobal:      0,
			Settings:            &snap,
			UpdatedAt:           r.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize mission: %w", err)
	}
	c.current.Store(&committed)
	log.Infof("任务初始化: target=%.0f minutes=%.0f", targetUnits, targetMinutes)
	return nil
}

// SetMissionParameters 调整任务参数（下限：100 单位 / 60 分钟 / 1 桌），并重置完成标志
func (c *Controller) SetMissionParameters(ctx context.Context, targetUnits, totalMinutes float64, totalTables int) error {
	units := math.Max(100, targetUnits)
	tables := totalTables
	if tables < 1 {
		tables = 1
	}
	_, err := c.store.UpdateRegia(ctx, func(r *domain.RegiaState) error {
		r.TargetUnitsTotal = units
		r.TargetMinutesTotal = math.Max(60, totalMinutes)
		r.TargetTables = tables
		r.TargetUnitsPerTable = math.Round(units / float64(tables))
		r.MissionCompleted = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("set mission parameters: %w", err)
	}
	return nil
}

// MissionInfo 任务参数概览
func (c *Controller) MissionInfo(ctx context.Context) (domain.MissionInfo, error) {
	r, err := c.store.Regia(ctx)
	if err != nil {
		return domain.MissionInfo{}, err
	}
	return domain.MissionInfo{
		UnitsTarget:   r.TargetUnitsTotal,
		MinutesTarget: r.TargetMinutesTotal,
		TablesTarget:  r.TargetTables,
		VMTarget:      r.VMTargetGlobal,
	}, nil
}

// MissionComplete 任务是否已完成（单调）
func (c *Controller) MissionComplete(ctx context.Context) (bool, error) {
	r, err := c.store.Regia(ctx)
	if err != nil {
		return false, err
	}
	return r.MissionCompleted, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Adjusted 按活跃桌折算后的目标与时长（不含效率 / 宽限系数）
func Adjusted(r domain.RegiaState, activeTables int) (target, minutes float64) {
	ratio := float64(maxInt(1, activeTables)) / float64(maxInt(1, r.TargetTables))
	return r.TargetUnitsTotal * ratio, r.TargetMinutesTotal * ratio
}

// Retune 根据全局盈亏、已用时间与活跃桌数调整风险参数
func (c *Controller) Retune(ctx context.Context, currentMarginUnits, elapsedMinutes float64, activeTables int) (Phase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		phase     Phase
		committed domain.Settings
	)
	err := c.store.Update(ctx, func(tx ports.Tx) error {
		r, err := tx.Regia()
		if err != nil {
			return err
		}
		s, err := tx.Settings()
		if err != nil {
			return err
		}

		var patch domain.SettingsPatch
		phase, patch = plan(r, currentMarginUnits, elapsedMinutes, activeTables)
		if phase == PhaseCompleted {
			r.MissionCompleted = true
		}
		*s = s.Apply(patch)
		committed = s.Clone()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("retune: %w", err)
	}
	c.current.Store(&committed)

	if phase == PhaseCompleted {
		metrics.MissionCompleted.Add(1)
		log.Infof("任务完成: margin=%.2f elapsed=%.1f tables=%d", currentMarginUnits, elapsedMinutes, activeTables)
	} else {
		log.Debugf("调参: phase=%s margin=%.2f elapsed=%.1f tables=%d", phase, currentMarginUnits, elapsedMinutes, activeTables)
	}
	return phase, nil
}

// plan 计算阶段与补丁，同时更新 r.VMTargetGlobal。已完成的任务保持冻结参数不变。
func plan(r *domain.RegiaState, margin, elapsed float64, tables int) (Phase, domain.SettingsPatch) {
	if r.MissionCompleted {
		return PhaseFrozen, domain.SettingsPatch{}
	}

	if elapsed < WarmUpMinutes {
		r.VMTargetGlobal = r.TargetUnitsTotal / math.Max(1, r.TargetMinutesTotal)
		return PhaseWarmUp, domain.SettingsPatch{
			LowThresh:        domain.Float(-800),
			HighThresh:       domain.Float(800),
			DebtTriggerRatio: domain.Float(0.60),
			HmaxLow:          domain.Int(2),
			HmaxMid:          domain.Int(2),
			HmaxHigh:         domain.Int(1),
			CooldownLow:      domain.Int(1),
			CooldownMid:      domain.Int(1),
			CooldownHigh:     domain.Int(1),
		}
	}

	target, minutes := Adjusted(*r, tables)
	target *= EfficiencyFactor
	minutes *= BufferFactor

	vmTarget := target / math.Max(1, minutes)
	r.VMTargetGlobal = vmTarget

	vm := margin / math.Max(1, elapsed)
	progress := 0.0
	if target > 0 {
		progress = margin / target
	}

	if margin >= target {
		return PhaseCompleted, domain.SettingsPatch{
			LowThresh:    domain.Float(0),
			HighThresh:   domain.Float(0),
			HmaxLow:      domain.Int(0),
			HmaxMid:      domain.Int(0),
			HmaxHigh:     domain.Int(0),
			CooldownLow:  domain.Int(completedCooldown),
			CooldownMid:  domain.Int(completedCooldown),
			CooldownHigh: domain.Int(completedCooldown),
		}
	}

	if progress >= 0.5 && elapsed >= minutes*0.3 {
		return PhaseLate, domain.SettingsPatch{
			LowThresh:        domain.Float(-800),
			HighThresh:       domain.Float(600),
			DebtTriggerRatio: domain.Float(0.65),
			HmaxLow:          domain.Int(maxInt(2, tables/4)),
			HmaxMid:          domain.Int(1),
			HmaxHigh:         domain.Int(0),
			CooldownLow:      domain.Int(1),
			CooldownMid:      domain.Int(2),
			CooldownHigh:     domain.Int(2),
		}
	}

	switch {
	case vm < vmTarget:
		return PhaseAggressive, domain.SettingsPatch{
			LowThresh:        domain.Float(-1000),
			DebtTriggerRatio: domain.Float(0.55),
			HmaxLow:          domain.Int(maxInt(5, tables/2+1)),
			CooldownLow:      domain.Int(1),
		}
	case vm > vmTarget*1.5:
		return PhaseProtective, domain.SettingsPatch{
			HighThresh:       domain.Float(1000),
			HmaxHigh:         domain.Int(1),
			CooldownHigh:     domain.Int(2),
			DebtTriggerRatio: domain.Float(0.70),
		}
	default:
		return PhaseNeutral, domain.SettingsPatch{
			LowThresh:        domain.Float(-1000),
			HighThresh:       domain.Float(800),
			DebtTriggerRatio: domain.Float(0.60),
			HmaxMid:          domain.Int(maxInt(2, tables/5)),
			CooldownMid:      domain.Int(1),
		}
	}
}
