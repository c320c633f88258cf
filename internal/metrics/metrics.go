package metrics

import (
	"expvar"

	"github.com/betbot/stakepilot/internal/domain"
)

// 引擎计数（expvar，/debug/vars 可见）
var (
	Decisions         = expvar.NewInt("decisions_total")
	DecisionReplays   = expvar.NewInt("decision_replays")
	DecisionInvalid   = expvar.NewInt("decision_invalid")
	TablesDisabled    = expvar.NewInt("tables_disabled")
	HeavyGrants       = expvar.NewInt("heavy_grants")
	HeavyRejected     = expvar.NewInt("heavy_admission_rejected")
	HotOverrides      = expvar.NewInt("hot_overrides")
	L5Stops           = expvar.NewInt("l5_stops")
	MissionCompleted  = expvar.NewInt("mission_completed")
	PersistenceErrors = expvar.NewInt("persistence_errors")
	StreamClients     = expvar.NewInt("stream_clients")

	// 按建议类型拆分
	AdviceBySignal = expvar.NewMap("advice_by_signal")
	AdviceByStatus = expvar.NewMap("advice_by_status")
	LastStakeUnits = expvar.NewFloat("last_stake_units")
	GlobalMargin   = expvar.NewFloat("global_margin_units")
)

// ObserveAdvice 记录一条建议（挂在 Engine.OnAdvice 上）
func ObserveAdvice(adv domain.Advice) {
	if adv.SignalW10 != "" {
		AdviceBySignal.Add(string(adv.SignalW10), 1)
	}
	if adv.TableStatus != "" {
		AdviceByStatus.Add(string(adv.TableStatus), 1)
	}
	LastStakeUnits.Set(adv.StakeUnits)
	GlobalMargin.Set(adv.GlobalMargin)
}

// Publish 以函数形式暴露一个变量，重复名称忽略
func Publish(name string, fn func() interface{}) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(fn))
}
