package market

import "strings"

// Candle 表示单根 K 线（开盘时间为毫秒时间戳）。
// Closed 为 false 时代表该 K 线仍在进行中，检测器必须忽略。
type Candle struct {
	Symbol    string
	Timeframe string
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// Body 返回实体大小（收开差的绝对值）。
func (c Candle) Body() float64 {
	if c.Close >= c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Bearish 判断是否为阴线。
func (c Candle) Bearish() bool { return c.Close < c.Open }

// Bullish 判断是否为阳线。
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Key 规范化 symbol+timeframe 的存储键。
func Key(symbol, timeframe string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "@" + strings.ToLower(strings.TrimSpace(timeframe))
}
