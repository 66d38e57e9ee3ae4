package detector

import (
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

const (
	defaultOrderBlockWindow  = 50
	defaultBodyMultiplier    = 1.5
	minOrderBlockWindowUsage = 3
)

// OrderBlockConfig 是订单块规则的可调参数。
type OrderBlockConfig struct {
	WindowSize     int
	BodyMultiplier float64
}

func (c OrderBlockConfig) withDefaults() OrderBlockConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultOrderBlockWindow
	}
	if c.BodyMultiplier <= 0 {
		c.BodyMultiplier = defaultBodyMultiplier
	}
	return c
}

// OrderBlock 检测反转形态前的订单块：一根阴线紧接一根
// 实体明显更大、且收盘突破阴线最高价的阳线（或镜像的空头形态）。
type OrderBlock struct {
	log     *logger.Logger
	bus     *bus.Bus
	symbol  string
	cfg     OrderBlockConfig
	windows map[string]*window
}

func NewOrderBlock(log *logger.Logger, b *bus.Bus, symbol string, timeframes []string, cfg OrderBlockConfig) *OrderBlock {
	d := &OrderBlock{
		log:     log.Named("detector.orderblock").With("symbol", symbol),
		bus:     b,
		symbol:  symbol,
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*window, len(timeframes)),
	}
	for _, tf := range timeframes {
		d.windows[tf] = newWindow(d.cfg.WindowSize)
	}
	return d
}

func (d *OrderBlock) Register() {
	d.bus.Subscribe(event.KindCandle, d.onCandle)
}

func (d *OrderBlock) onCandle(e event.Event) {
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
	if w.size() < minOrderBlockWindowUsage {
		return
	}
	prev, cur := w.at(w.size()-2), w.last()
	res, found := detectOrderBlock(prev, cur, d.cfg.BodyMultiplier)
	if !found {
		return
	}
	d.log.Info("检测到订单块", "timeframe", c.Timeframe, "side", string(res.side), "high", res.high, "low", res.low)
	d.bus.Publish(event.OrderBlock{
		Detection: event.Detection{Symbol: c.Symbol, Timeframe: c.Timeframe, At: time.UnixMilli(c.CloseTime)},
		Side:      res.side,
		High:      res.high,
		Low:       res.low,
		OpenTime:  prev.OpenTime,
	})
}

type orderBlockResult struct {
	side event.Side
	high float64
	low  float64
}

// detectOrderBlock 判断 prev 是否构成 cur 反转前的订单块。
// 多头：prev 为阴线，cur 收盘高于 prev 最高价且实体超过 prev 实体的
// multiplier 倍；空头为镜像形态。订单块区域取 prev 的高低点。
func detectOrderBlock(prev, cur market.Candle, multiplier float64) (orderBlockResult, bool) {
	if prev.Bearish() && cur.Bullish() && cur.Close > prev.High && cur.Body() > prev.Body()*multiplier {
		return orderBlockResult{side: event.SideBuy, high: prev.High, low: prev.Low}, true
	}
	if prev.Bullish() && cur.Bearish() && cur.Close < prev.Low && cur.Body() > prev.Body()*multiplier {
		return orderBlockResult{side: event.SideSell, high: prev.High, low: prev.Low}, true
	}
	return orderBlockResult{}, false
}
