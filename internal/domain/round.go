package domain

import "github.com/shopspring/decimal"

// Round2 显示金额保留两位小数（十进制舍入，避免 0.1+0.2 之类的二进制误差）
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Round1 保留一位小数的字符串形式，整数不带小数点
func Round1(v float64) string {
	return decimal.NewFromFloat(v).Round(1).String()
}
