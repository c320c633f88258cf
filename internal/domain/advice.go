package domain

// Signal 走势信号
type Signal string

const (
	SignalGreen  Signal = "Green"
	SignalYellow Signal = "Yellow"
	SignalRed    Signal = "Red"
)

// TableStatus 桌状态
type TableStatus string

const (
	TableActive          TableStatus = "active"
	TableWarning         TableStatus = "warning"
	TableDisabled        TableStatus = "disabled"
	TableMissionComplete TableStatus = "mission_complete"
)

// Advice 引擎对单手的决策输出
type Advice struct {
	TableID         int     `json:"table_id"`
	HandIndex       int     `json:"hand_index"`
	LevelIndex      int     `json:"level_index"`
	StakeUnits      float64 `json:"stake_units"` // 已按 k 换算并保留两位小数
	GlobalMargin    float64 `json:"global_margin"`
	StopAtL5        bool    `json:"stop_at_l5"`
	AuthorizedHeavy bool    `json:"authorized_heavy"`
	Reason          string  `json:"reason"`
	Prediction      string  `json:"prediction"`

	SignalW10      Signal      `json:"signal_w10"`
	SignalTableW10 Signal      `json:"signal_table_w10"`
	HotZone        bool        `json:"hot_zone"`
	HotZoneLabel   string      `json:"hot_zone_label"`
	TableStatus    TableStatus `json:"table_status"`

	PortfolioDebtUnits       float64 `json:"portfolio_debt_units"`
	HotOverridesActive       int     `json:"hot_overrides_active"`
	HotOverridesUsedThisShoe int     `json:"hot_overrides_used_this_shoe"`
	VMLocal20                float64 `json:"vm_local_20"`

	Diagnostics string `json:"diagnostics,omitempty"` // JSON 诊断快照
}

// Stop 是否为停止类建议（含禁用、L5 停止、任务完成）
func (a Advice) Stop() bool {
	return a.StopAtL5 || a.TableStatus == TableDisabled
}
