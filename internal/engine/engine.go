package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/heavy"
	"github.com/betbot/stakepilot/internal/mission"
	"github.com/betbot/stakepilot/internal/outcome"
	"github.com/betbot/stakepilot/internal/ports"
)

var log = logrus.WithField("module", "engine")

// ErrInvalidK k 必须为正数
var ErrInvalidK = errors.New("k must be greater than zero")

// Hand 单手输入
type Hand struct {
	TableID           int     `json:"table_id"`
	HandIndex         int     `json:"hand_index"`
	MarginDisplay     float64 `json:"margin"` // 本桌累计盈亏（显示金额）
	MartingaleLevelUI int     `json:"level"`  // 1..8
	SignalFlag        bool    `json:"signal"`
	HotZoneFlag       bool    `json:"hot_zone"`
	Outcome           string  `json:"outcome"` // P/B/T，缺省时由盈亏与档位变化推断
	ElapsedMinutes    float64 `json:"elapsed_minutes"`
	ActiveTables      int     `json:"active_tables"`
}

// Engine 多桌决策引擎
type Engine struct {
	store   ports.Store
	mission *mission.Controller
	heavy   *heavy.Manager

	locksMu sync.Mutex
	locks   map[int]*tableLock

	listenersMu sync.RWMutex
	listeners   []func(domain.Advice)

	lastElapsed atomic.Uint64 // math.Float64bits
	lastTables  atomic.Int64
}

// New 创建引擎
func New(store ports.Store, mc *mission.Controller, hm *heavy.Manager) *Engine {
	return &Engine{
		store:   store,
		mission: mc,
		heavy:   hm,
		locks:   make(map[int]*tableLock),
	}
}

// tableLock 带引用计数，最后一个持有者释放时从表中删除
type tableLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable 同一桌的决策串行执行，不同桌互不阻塞
func (e *Engine) lockTable(tableID int) func() {
	e.locksMu.Lock()
	l, ok := e.locks[tableID]
	if !ok {
		l = &tableLock{}
		e.locks[tableID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, tableID)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) lockCount() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.locks)
}

// OnAdvice 注册决策回调（推送、统计）。回调在决策路径上同步执行，不应阻塞。
func (e *Engine) OnAdvice(fn func(domain.Advice)) {
	if fn == nil {
		return
	}
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenersMu.Unlock()
}

func (e *Engine) publish(adv domain.Advice) {
	e.listenersMu.RLock()
	ls := e.listeners
	e.listenersMu.RUnlock()
	for _, fn := range ls {
		fn(adv)
	}
}

func (e *Engine) observe(elapsed float64, tables int) {
	e.lastElapsed.Store(math.Float64bits(elapsed))
	e.lastTables.Store(int64(tables))
}

// LastObserved 最近一次决策上报的已用分钟与活跃桌数
func (e *Engine) LastObserved() (elapsedMinutes float64, activeTables int) {
	return math.Float64frombits(e.lastElapsed.Load()), int(e.lastTables.Load())
}

// Initialize 开始新任务
func (e *Engine) Initialize(ctx context.Context, targetUnits, targetMinutes float64) error {
	return e.mission.Initialize(ctx, targetUnits, targetMinutes)
}

// Settings 当前参数快照
func (e *Engine) Settings() domain.Settings {
	return e.mission.Current()
}

// K 单位换算系数
func (e *Engine) K() float64 {
	return e.mission.Current().K
}

// SetK 修改换算系数，k<=0 返回 ErrInvalidK
func (e *Engine) SetK(ctx context.Context, k float64) error {
	if k <= 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		return ErrInvalidK
	}
	if _, err := e.mission.Patch(ctx, domain.SettingsPatch{K: domain.Float(k)}); err != nil {
		return err
	}
	log.Infof("k 已更新: %.4f", k)
	return nil
}

// History 本桌结果窗口（不含和局）
func (e *Engine) History(ctx context.Context, tableID int) ([]domain.Outcome, error) {
	ts, err := e.store.Table(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Outcome{}, ts.Row.History...), nil
}

// HeavyCount 当前在途重仓数
func (e *Engine) HeavyCount(ctx context.Context) (int, error) {
	g, err := e.store.Global(ctx)
	if err != nil {
		return 0, err
	}
	return g.HeavyCount, nil
}

// Global 全局计数器
func (e *Engine) Global(ctx context.Context) (domain.GlobalState, error) {
	return e.store.Global(ctx)
}

// MissionInfo 任务参数
func (e *Engine) MissionInfo(ctx context.Context) (domain.MissionInfo, error) {
	return e.mission.MissionInfo(ctx)
}

// SetMissionParameters 调整任务目标
func (e *Engine) SetMissionParameters(ctx context.Context, targetUnits, totalMinutes float64, totalTables int) error {
	return e.mission.SetMissionParameters(ctx, targetUnits, totalMinutes, totalTables)
}

// MissionSnapshot 任务进度快照
func (e *Engine) MissionSnapshot(ctx context.Context, elapsedMinutes float64, activeTables int) (domain.MissionSnapshot, error) {
	g, err := e.store.Global(ctx)
	if err != nil {
		return domain.MissionSnapshot{}, err
	}
	return e.mission.Snapshot(ctx, g.GlobalMarginUnits, elapsedMinutes, activeTables, e.K())
}

// MissionEvaluation 任务节奏评估
func (e *Engine) MissionEvaluation(ctx context.Context, elapsedMinutes float64, activeTables int) (domain.Evaluation, error) {
	g, err := e.store.Global(ctx)
	if err != nil {
		return domain.Evaluation{}, err
	}
	k := e.K()
	snap, err := e.mission.Snapshot(ctx, g.GlobalMarginUnits, elapsedMinutes, activeTables, k)
	if err != nil {
		return domain.Evaluation{}, err
	}
	return mission.Evaluate(snap, domain.Round2(g.GlobalMarginUnits*k), elapsedMinutes), nil
}

// ResetTable 外部复位：解除禁用并清空无效计数
func (e *Engine) ResetTable(ctx context.Context, tableID int) error {
	unlock := e.lockTable(tableID)
	defer unlock()

	_, err := e.store.UpdateTable(ctx, tableID, func(ts *domain.TableState) error {
		ts.Row.Disabled = false
		ts.Row.InvalidCount = 0
		ts.Row.ValidRecovery = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset table %d: %w", tableID, err)
	}
	log.WithField("table", tableID).Infof("桌已复位")
	return nil
}

// ResetShoe 新牌靴：清零本靴已用的热区超限次数
func (e *Engine) ResetShoe(ctx context.Context) error {
	_, err := e.store.UpdateGlobal(ctx, func(g *domain.GlobalState) error {
		g.HotOverridesUsedThisShoe = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset shoe: %w", err)
	}
	log.Infof("新牌靴，热区超限计数清零")
	return nil
}

func (e *Engine) classifier(s domain.Settings) outcome.Classifier {
	return outcome.New(s.OutcomeTolerance)
}
