package domain

import "strings"

// Outcome 单手结果：庄赢 / 闲赢 / 和局
type Outcome string

const (
	OutcomePlayer  Outcome = "P"
	OutcomeBanker  Outcome = "B"
	OutcomeTie     Outcome = "T"
	OutcomeUnknown Outcome = ""
)

// ParseOutcome 解析外部传入的结果符号（大小写不敏感），无法识别时返回 OutcomeUnknown
func ParseOutcome(s string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P":
		return OutcomePlayer
	case "B":
		return OutcomeBanker
	case "T":
		return OutcomeTie
	default:
		return OutcomeUnknown
	}
}

// Valid 是否为 P/B/T 之一
func (o Outcome) Valid() bool {
	return o == OutcomePlayer || o == OutcomeBanker || o == OutcomeTie
}

// Lower 用于桌面走势窗口（historyTable）的小写符号
func (o Outcome) Lower() string {
	return strings.ToLower(string(o))
}
