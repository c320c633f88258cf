package domain

// MissionSnapshot 任务进度快照（报表用）
type MissionSnapshot struct {
	TargetUnitsAdj     float64 `json:"target_units_adj"`
	MissionMinutesAdj  float64 `json:"mission_minutes_adj"`
	VMTargetUnits      float64 `json:"vm_target_units"`
	TargetDisplay      float64 `json:"target_display"`
	VMTargetDisplay    float64 `json:"vm_target_display"`
	WarmUpMinutes      float64 `json:"warm_up_minutes"`
	WarmUpActive       bool    `json:"warm_up_active"`
	AchievementPercent float64 `json:"achievement_percent"`
	K                  float64 `json:"k"`
	ActiveTables       int     `json:"active_tables"`
	MissionCompleted   bool    `json:"mission_completed"`
}

// Evaluation 面向人的任务节奏评估
type Evaluation struct {
	Message  string  `json:"message"`
	Velocity float64 `json:"velocity"`
	Color    string  `json:"color"`
}

// MissionInfo 任务参数概览
type MissionInfo struct {
	UnitsTarget   float64 `json:"units_target"`
	MinutesTarget float64 `json:"minutes_target"`
	TablesTarget  int     `json:"tables_target"`
	VMTarget      float64 `json:"vm_target"`
}
