package domain

import "fmt"

// HotZone 热区手数区间（闭区间）
type HotZone struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains 手数是否落在区间内
func (z HotZone) Contains(hand int) bool {
	return hand >= z.Start && hand <= z.End
}

// Settings 风控参数快照。
//
// 引擎每次决策只读取一份快照；任务控制器通过 SettingsPatch 生成新快照后整体替换，
// 不在原对象上就地修改。
type Settings struct {
	Levels    []float64 `json:"levels" yaml:"levels"`         // 8 档注码（单位）
	K         float64   `json:"k" yaml:"k"`                   // 单位 -> 显示金额换算系数
	WindowW10 int       `json:"window_w10" yaml:"window_w10"` // 走势窗口容量

	MaxRunPAllowed         int       `json:"max_run_p_allowed" yaml:"max_run_p_allowed"`
	MaxRunSideAllowedTable int       `json:"max_run_side_allowed_table" yaml:"max_run_side_allowed_table"`
	HotZones               []HotZone `json:"hot_zones" yaml:"hot_zones"`

	HighThresh   float64 `json:"high_thresh" yaml:"high_thresh"`
	LowThresh    float64 `json:"low_thresh" yaml:"low_thresh"`
	HmaxHigh     int     `json:"hmax_high" yaml:"hmax_high"`
	HmaxMid      int     `json:"hmax_mid" yaml:"hmax_mid"`
	HmaxLow      int     `json:"hmax_low" yaml:"hmax_low"`
	CooldownHigh int     `json:"cooldown_high" yaml:"cooldown_high"`
	CooldownMid  int     `json:"cooldown_mid" yaml:"cooldown_mid"`
	CooldownLow  int     `json:"cooldown_low" yaml:"cooldown_low"`

	L5LossUnits               float64 `json:"l5_loss_units" yaml:"l5_loss_units"`
	MaxHotOverridesConcurrent int     `json:"max_hot_overrides_concurrent" yaml:"max_hot_overrides_concurrent"`
	MaxHotOverridesPerShoe    int     `json:"max_hot_overrides_per_shoe" yaml:"max_hot_overrides_per_shoe"`

	DebtTriggerRatio           float64 `json:"debt_trigger_ratio" yaml:"debt_trigger_ratio"`
	MeanUnitsPerHandPerTable   float64 `json:"mean_units_per_hand_per_table" yaml:"mean_units_per_hand_per_table"`
	EstimatedHandsLeftPerTable float64 `json:"estimated_hands_left_per_table" yaml:"estimated_hands_left_per_table"`

	SyncDelayMs          int  `json:"sync_delay_ms" yaml:"sync_delay_ms"`
	HeavyDecayAfterHands int  `json:"heavy_decay_after_hands" yaml:"heavy_decay_after_hands"`
	ResetOnMapChange     bool `json:"reset_on_map_change" yaml:"reset_on_map_change"`
	GlobalHeavyCapWindow int  `json:"global_heavy_cap_window" yaml:"global_heavy_cap_window"` // 秒
	GlobalHeavyCap       int  `json:"global_heavy_cap" yaml:"global_heavy_cap"`

	OutcomeTolerance float64 `json:"outcome_tolerance" yaml:"outcome_tolerance"`   // 结果推断的容差
	SevereRedMargin  int     `json:"severe_red_margin" yaml:"severe_red_margin"` // 严重红信号：单边连续 > MaxRunSideAllowedTable + 该值
}

// DefaultSettings 默认参数
func DefaultSettings() Settings {
	return Settings{
		Levels:                 []float64{1, 3, 7, 15, 35, 75, 155, 340},
		K:                      1.0,
		WindowW10:              20,
		MaxRunPAllowed:         2,
		MaxRunSideAllowedTable: 3,
		HotZones: []HotZone{
			{Start: 11, End: 20},
			{Start: 41, End: 50},
			{Start: 51, End: 60},
			{Start: 61, End: 70},
		},
		HighThresh:                 250,
		LowThresh:                  -300,
		HmaxHigh:                   1,
		HmaxMid:                    1,
		HmaxLow:                    1,
		CooldownHigh:               4,
		CooldownMid:                3,
		CooldownLow:                2,
		L5LossUnits:                61,
		MaxHotOverridesConcurrent:  0,
		MaxHotOverridesPerShoe:     1,
		DebtTriggerRatio:           0.60,
		MeanUnitsPerHandPerTable:   0.50,
		EstimatedHandsLeftPerTable: 35,
		SyncDelayMs:                120,
		HeavyDecayAfterHands:       5,
		ResetOnMapChange:           true,
		GlobalHeavyCapWindow:       60,
		GlobalHeavyCap:             4,
		OutcomeTolerance:           0.6,
		SevereRedMargin:            2,
	}
}

// Clone 深拷贝（切片字段独立）
func (s Settings) Clone() Settings {
	out := s
	out.Levels = append([]float64(nil), s.Levels...)
	out.HotZones = append([]HotZone(nil), s.HotZones...)
	return out
}

// Validate 配置校验
func (s Settings) Validate() error {
	if s.K <= 0 {
		return fmt.Errorf("k must be greater than zero, got %v", s.K)
	}
	if len(s.Levels) == 0 {
		return fmt.Errorf("levels must not be empty")
	}
	if s.WindowW10 <= 0 {
		return fmt.Errorf("window_w10 must be positive, got %d", s.WindowW10)
	}
	for _, z := range s.HotZones {
		if z.End < z.Start {
			return fmt.Errorf("hot zone %d-%d is inverted", z.Start, z.End)
		}
	}
	return nil
}

// StakeAt 返回指定档位的注码，超出阶梯长度时取最后一档
func (s Settings) StakeAt(levelIndex int) float64 {
	if len(s.Levels) == 0 {
		return 0
	}
	if levelIndex < 0 {
		levelIndex = 0
	}
	if levelIndex > len(s.Levels)-1 {
		levelIndex = len(s.Levels) - 1
	}
	return s.Levels[levelIndex]
}

// InHotZone 手数是否位于任一配置的热区
func (s Settings) InHotZone(hand int) bool {
	for _, z := range s.HotZones {
		if z.Contains(hand) {
			return true
		}
	}
	return false
}

// HotZoneLabel 热区标签："Closed a-b" 或 "Open Zone n"
func (s Settings) HotZoneLabel(hand int) string {
	for _, z := range s.HotZones {
		if z.Contains(hand) {
			return fmt.Sprintf("Closed %d-%d", z.Start, z.End)
		}
	}
	return fmt.Sprintf("Open Zone %d", hand)
}

// Regime 当前全局盈亏对应的风控档（重仓上限 + 冷却手数）
type Regime struct {
	Hmax     int
	Cooldown int
}

// RegimeFor 根据全局盈亏（单位）选择 high / low / mid 档
func (s Settings) RegimeFor(globalMarginUnits float64) Regime {
	if globalMarginUnits >= s.HighThresh {
		return Regime{Hmax: s.HmaxHigh, Cooldown: s.CooldownHigh}
	}
	if globalMarginUnits <= s.LowThresh {
		return Regime{Hmax: s.HmaxLow, Cooldown: s.CooldownLow}
	}
	return Regime{Hmax: s.HmaxMid, Cooldown: s.CooldownMid}
}

// ResidualCapacityUnits 估算剩余可承受容量：均值 × 剩余手数 × 活跃桌数
func (s Settings) ResidualCapacityUnits(activeTables int) float64 {
	if activeTables < 1 {
		activeTables = 1
	}
	return s.MeanUnitsPerHandPerTable * s.EstimatedHandsLeftPerTable * float64(activeTables)
}

// SettingsPatch 参数的局部更新，nil 字段表示不修改
type SettingsPatch struct {
	K                *float64 `json:"k,omitempty"`
	LowThresh        *float64 `json:"low_thresh,omitempty"`
	HighThresh       *float64 `json:"high_thresh,omitempty"`
	DebtTriggerRatio *float64 `json:"debt_trigger_ratio,omitempty"`
	HmaxLow          *int     `json:"hmax_low,omitempty"`
	HmaxMid          *int     `json:"hmax_mid,omitempty"`
	HmaxHigh         *int     `json:"hmax_high,omitempty"`
	CooldownLow      *int     `json:"cooldown_low,omitempty"`
	CooldownMid      *int     `json:"cooldown_mid,omitempty"`
	CooldownHigh     *int     `json:"cooldown_high,omitempty"`
}

// Apply 返回应用补丁后的新快照，原快照不变
func (s Settings) Apply(p SettingsPatch) Settings {
	out := s.Clone()
	if p.K != nil {
		out.K = *p.K
	}
	if p.LowThresh != nil {
		out.LowThresh = *p.LowThresh
	}
	if p.HighThresh != nil {
		out.HighThresh = *p.HighThresh
	}
	if p.DebtTriggerRatio != nil {
		out.DebtTriggerRatio = *p.DebtTriggerRatio
	}
	if p.HmaxLow != nil {
		out.HmaxLow = *p.HmaxLow
	}
	if p.HmaxMid != nil {
		out.HmaxMid = *p.HmaxMid
	}
	if p.HmaxHigh != nil {
		out.HmaxHigh = *p.HmaxHigh
	}
	if p.CooldownLow != nil {
		out.CooldownLow = *p.CooldownLow
	}
	if p.CooldownMid != nil {
		out.CooldownMid = *p.CooldownMid
	}
	if p.CooldownHigh != nil {
		out.CooldownHigh = *p.CooldownHigh
	}
	return out
}

// Float / Int 构造补丁字段的小工具
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
