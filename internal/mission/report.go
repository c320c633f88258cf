package mission

import (
	"context"
	"fmt"
	"math"

	"github.com/betbot/stakepilot/internal/domain"
)

// Snapshot 报表快照（不含效率 / 宽限系数，数值与面板保持一致）
func (c *Controller) Snapshot(ctx context.Context, currentMarginUnits, elapsedMinutes float64, activeTables int, k float64) (domain.MissionSnapshot, error) {
	r, err := c.store.Regia(ctx)
	if err != nil {
		return domain.MissionSnapshot{}, fmt.Errorf("load regia: %w", err)
	}
	return BuildSnapshot(r, currentMarginUnits, elapsedMinutes, activeTables, k), nil
}

// BuildSnapshot 纯计算部分
func BuildSnapshot(r domain.RegiaState, currentMarginUnits, elapsedMinutes float64, activeTables int, k float64) domain.MissionSnapshot {
	target, minutes := Adjusted(r, activeTables)
	vmTarget := target / math.Max(1, minutes)

	targetDisplay := target * k
	achievement := 0.0
	if targetDisplay > 0 {
		achievement = (currentMarginUnits * k / targetDisplay) * 100
	}

	return domain.MissionSnapshot{
		TargetUnitsAdj:     target,
		MissionMinutesAdj:  minutes,
		VMTargetUnits:      vmTarget,
		TargetDisplay:      targetDisplay,
		VMTargetDisplay:    vmTarget * k,
		WarmUpMinutes:      WarmUpMinutes,
		WarmUpActive:       elapsedMinutes < WarmUpMinutes,
		AchievementPercent: domain.Round2(achievement),
		K:                  k,
		ActiveTables:       maxInt(1, activeTables),
		MissionCompleted:   r.MissionCompleted,
	}
}

// Evaluate 节奏评估：速度与目标速度之比 <0.9 落后，>1.1 超前，其余持平
func Evaluate(snap domain.MissionSnapshot, currentMarginDisplay, elapsedMinutes float64) domain.Evaluation {
	vm := currentMarginDisplay / math.Max(1, elapsedMinutes)

	if snap.WarmUpActive {
		return domain.Evaluation{
			Message:  fmt.Sprintf("Warm-Up (%s / %.0f min)", domain.Round1(elapsedMinutes), snap.WarmUpMinutes),
			Velocity: 0,
			Color:    "gray",
		}
	}

	ratio := vm / math.Max(0.000001, snap.VMTargetDisplay)
	var msg, color string
	switch {
	case ratio < 0.9:
		msg = fmt.Sprintf("Aggressive - Vm %.2f/min (under)", vm)
		color = "red"
	case ratio > 1.1:
		msg = fmt.Sprintf("Protection - Vm %.2f/min (forward)", vm)
		color = "yellow"
	default:
		msg = fmt.Sprintf("Neutral - Vm %.2f/min (aligned)", vm)
		color = "green"
	}
	msg += fmt.Sprintf(" | Tables=%d | Target=%.0f | VmTarget=%.2f | K=%.2f",
		snap.ActiveTables, snap.TargetDisplay, snap.VMTargetDisplay, snap.K)

	return domain.Evaluation{Message: msg, Velocity: vm, Color: color}
}
