// Package detector 包含四类信号检测器。
// 每个检测器作用于一组 (symbol, timeframe)，维护自己的有界滚动窗口，
// 规则本身是窗口内容上的纯函数：相同输入与阈值，产生零或一个检测结果。
package detector

import (
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

const gapWindowSize = 3

// Gap 检测三根 K 线形成的价格缺口（FVG）。
type Gap struct {
	log     *logger.Logger
	bus     *bus.Bus
	symbol  string
	windows map[string]*window
}

// NewGap 为指定 symbol 的每个 timeframe 建立独立窗口。
func NewGap(log *logger.Logger, b *bus.Bus, symbol string, timeframes []string) *Gap {
	d := &Gap{
		log:     log.Named("detector.gap").With("symbol", symbol),
		bus:     b,
		symbol:  symbol,
		windows: make(map[string]*window, len(timeframes)),
	}
	for _, tf := range timeframes {
		d.windows[tf] = newWindow(gapWindowSize)
	}
	return d
}

// Register 订阅 K 线事件。
func (d *Gap) Register() {
	d.bus.Subscribe(event.KindCandle, d.onCandle)
}

func (d *Gap) onCandle(e event.Event) {
	ce, ok := e.(event.Candle)
	if !ok {
		return
	}
	c := ce.Candle
	w := d.windows[c.Timeframe]
	if w == nil || c.Symbol != d.symbol || !c.Closed {
		return
	}
	w.push(c)
	if !w.full() {
		return
	}
	res, found := detectGap(w.at(0), w.at(2))
	if !found {
		return
	}
	d.log.Info("检测到缺口", "timeframe", c.Timeframe, "side", string(res.side), "high", res.high, "low", res.low)
	d.bus.Publish(event.Gap{
		// 时间戳取收盘时刻：检测发生在 K 线收盘那一刻，
		// 开盘时间在高周期上早已落在关联窗口之外。
		Detection: event.Detection{Symbol: c.Symbol, Timeframe: c.Timeframe, At: time.UnixMilli(c.CloseTime)},
		Side:      res.side,
		High:      res.high,
		Low:       res.low,
	})
}

type gapResult struct {
	side event.Side
	high float64
	low  float64
}

// detectGap 比较窗口首尾两根 K 线。
// 多头缺口：第一根的最高价低于第三根的最低价；空头缺口相反。
// 缺口边界取两根 K 线之间互不重叠的价格带。
func detectGap(first, third market.Candle) (gapResult, bool) {
	if first.High < third.Low {
		return gapResult{side: event.SideBuy, high: third.Low, low: first.High}, true
	}
	if first.Low > third.High {
		return gapResult{side: event.SideSell, high: first.Low, low: third.High}, true
	}
	return gapResult{}, false
}
