package domain

import "time"

// GlobalState 全局共享计数器（所有桌共享，必须事务性读改写）
type GlobalState struct {
	GlobalMarginUnits        float64   `json:"global_margin_units"`
	HeavyCount               int       `json:"heavy_count"`
	Cooldown                 int       `json:"cooldown"`
	PortfolioDebtUnits       float64   `json:"portfolio_debt_units"`
	HotOverridesActive       int       `json:"hot_overrides_active"`
	HotOverridesUsedThisShoe int       `json:"hot_overrides_used_this_shoe"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// RowState 单桌的阶梯状态
type RowState struct {
	PrevMazzo   *int    `json:"prev_mazzo,omitempty"` // 上一手的手数，nil 表示尚未有完成的手
	PrevLevel   int     `json:"prev_level"`
	PrevMargine float64 `json:"prev_margine"`
	PrevStake   float64 `json:"prev_stake"`

	History      []Outcome `json:"history"`       // 不含和局
	HistoryTable []string  `json:"history_table"` // 小写 p/b/t

	RunP            int     `json:"run_p"`
	ForceToL8Active bool    `json:"force_to_l8_active"`
	L5ClosedCount   int     `json:"l5_closed_count"`
	HandCount       int     `json:"hand_count"`
	MargineAccum    float64 `json:"margine_accum"`
	VMLocal20       float64 `json:"vm_local_20"`

	WarmInputs    int  `json:"warm_inputs"`
	InvalidCount  int  `json:"invalid_count"`
	ValidRecovery int  `json:"valid_recovery"`
	Disabled      bool `json:"disabled"`
}

// PushHistory 追加一手结果到两个窗口，超过容量时丢弃最旧的
func (rs *RowState) PushHistory(o Outcome, window int) {
	if window <= 0 {
		window = 1
	}
	if o == OutcomePlayer || o == OutcomeBanker {
		rs.History = append(rs.History, o)
		if n := len(rs.History); n > window {
			rs.History = append([]Outcome(nil), rs.History[n-window:]...)
		}
	}
	if o.Valid() {
		rs.HistoryTable = append(rs.HistoryTable, o.Lower())
		if n := len(rs.HistoryTable); n > window {
			rs.HistoryTable = append([]string(nil), rs.HistoryTable[n-window:]...)
		}
	}
}

// MaxRunTable 从最新到最旧扫描桌面走势，忽略和局，返回单边最长连续数
func (rs *RowState) MaxRunTable() int {
	cur, maxRun := 0, 0
	last := ""
	for i := len(rs.HistoryTable) - 1; i >= 0; i-- {
		o := rs.HistoryTable[i]
		if o == "t" {
			continue
		}
		if last == "" || o == last {
			cur++
			if cur > maxRun {
				maxRun = cur
			}
		} else {
			cur = 1
		}
		last = o
	}
	return maxRun
}

// MaxRunP history 中闲家最长连胜
func (rs *RowState) MaxRunP() int {
	cur, maxRun := 0, 0
	for _, o := range rs.History {
		if o == OutcomePlayer {
			cur++
			if cur > maxRun {
				maxRun = cur
			}
		} else {
			cur = 0
		}
	}
	return maxRun
}

// LastInput 上一次处理的原始输入，用于重放判定
type LastInput struct {
	HandIndex  int     `json:"hand_index"`
	Margin     float64 `json:"margin"`
	LevelUI    int     `json:"level_ui"`
	OutcomeRaw string  `json:"outcome"`
	Resolved   Outcome `json:"resolved,omitempty"` // 实际计入走势的结果（缺省输入时为推断值）
}

// Matches 四个字段完全一致才算同一输入
func (li *LastInput) Matches(handIndex int, margin float64, levelUI int, outcome string) bool {
	if li == nil {
		return false
	}
	return li.HandIndex == handIndex && li.Margin == margin && li.LevelUI == levelUI && li.OutcomeRaw == outcome
}

// TableState 单桌持久化文档
type TableState struct {
	TableID     int        `json:"table_id"`
	Row         RowState   `json:"row_state"`
	LastAdvice  *Advice    `json:"last_advice,omitempty"`
	LastInput   *LastInput `json:"last_input,omitempty"`
	MarginUnits float64    `json:"margin_units"` // 本桌累计盈亏（单位），参与全局折算
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ScuderiaState 重仓生命周期状态（全局唯一）
type ScuderiaState struct {
	HandsSinceLastHeavy   int         `json:"hands_since_last_heavy"`
	RecentHeavyTimestamps []time.Time `json:"recent_heavy_timestamps"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// RegiaState 任务状态
type RegiaState struct {
	TargetUnitsTotal    float64   `json:"target_units_total"`
	TargetMinutesTotal  float64   `json:"target_minutes_total"`
	TargetTables        int       `json:"target_tables"`
	TargetUnitsPerTable float64   `json:"target_units_per_table"`
	MissionCompleted    bool      `json:"mission_completed"`
	VMTargetGlobal      float64   `json:"vm_target_global"`
	Settings            *Settings `json:"settings,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultRegiaState 首次访问时的任务默认值
func DefaultRegiaState() RegiaState {
	return RegiaState{
		TargetUnitsTotal:    900,
		TargetMinutesTotal:  480,
		TargetTables:        10,
		TargetUnitsPerTable: 90,
	}
}

// DeckState 牌靴位置追踪（按 用户/机器/桌 分区）
type DeckState struct {
	LastRemaining int       `json:"last_remaining"`
	HandIndex     int       `json:"hand_index"`
	TotalCards    int       `json:"total_cards"`
	UpdatedAt     time.Time `json:"updated_at"`
}
