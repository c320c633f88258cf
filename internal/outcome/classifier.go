package outcome

import (
	"math"

	"github.com/betbot/stakepilot/internal/domain"
)

// DefaultTolerance 默认容差（显示单位）
const DefaultTolerance = 0.6

// Prev 上一手的行状态摘要
type Prev struct {
	Present bool // 是否已有上一手
	Level   int
	Margin  float64
	Stake   float64
}

// PrevFromRow 从 RowState 取出推断所需字段
func PrevFromRow(rs domain.RowState) Prev {
	return Prev{
		Present: rs.PrevMazzo != nil,
		Level:   rs.PrevLevel,
		Margin:  rs.PrevMargine,
		Stake:   rs.PrevStake,
	}
}

// Classifier 根据盈亏 / 档位变化推断结果，无状态
type Classifier struct {
	Tolerance float64
}

// New 创建推断器，tolerance<=0 时使用默认值
func New(tolerance float64) Classifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Classifier{Tolerance: tolerance}
}

func (c Classifier) approx(x, y float64) bool {
	tol := c.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	return math.Abs(x-y) <= tol
}

// Infer 推断本手结果
func (c Classifier) Infer(prev Prev, newLevel int, newMargin float64) domain.Outcome {
	if !prev.Present {
		return domain.OutcomeTie
	}

	dM := newMargin - prev.Margin
	dL := newLevel - prev.Level

	switch {
	case c.approx(dM, 0) && dL == 0:
		return domain.OutcomeTie
	case (newLevel == 0 || dL < 0) && c.approx(dM, prev.Stake):
		return domain.OutcomeBanker
	case dL >= 1 && c.approx(dM, -prev.Stake):
		return domain.OutcomePlayer
	case dL > 0:
		return domain.OutcomePlayer
	case dL < 0 || newLevel == 0:
		return domain.OutcomeBanker
	}
	return domain.OutcomeTie
}

// ToLevelIndex UI 档位(1..8) 转 0 基索引，范围外截断到 [0,7]
func ToLevelIndex(ui int) int {
	if ui >= 1 && ui <= 8 {
		return ui - 1
	}
	if ui > 7 {
		return 7
	}
	if ui < 0 {
		return 0
	}
	return ui
}
