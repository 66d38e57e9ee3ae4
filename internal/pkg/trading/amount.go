package trading

import "math"

// TruncQuantity 把数量向下截断到指定小数位。
// 交易所会拒绝超精度数量，向下截断保证名义风险不超预算。
func TruncQuantity(v float64, decimals int) float64 {
	if v <= 0 {
		return 0
	}
	if decimals <= 0 {
		return math.Floor(v)
	}
	factor := math.Pow10(decimals)
	return math.Floor(v*factor) / factor
}
