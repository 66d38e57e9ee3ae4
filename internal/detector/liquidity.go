package detector

import (
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

const defaultSwingCapacity = 50

// LiquidityConfig 是流动性规则的可调参数。
type LiquidityConfig struct {
	SwingCapacity int
}

func (c LiquidityConfig) withDefaults() LiquidityConfig {
	if c.SwingCapacity <= 0 {
		c.SwingCapacity = defaultSwingCapacity
	}
	return c
}

// 每个 timeframe 独立维护的摆动点集合。
type swingLevels struct {
	highs []float64
	lows  []float64
}

// Liquidity 跟踪近期摆动高低点，检测插针扫荡：
// 当前 K 线的区间穿过某个存量点位、但收盘价未停留在点位之外。
// 被扫荡的点位消费后即从跟踪集合移除。
type Liquidity struct {
	log    *logger.Logger
	bus    *bus.Bus
	symbol string
	cfg    LiquidityConfig
	levels map[string]*swingLevels
}

func NewLiquidity(log *logger.Logger, b *bus.Bus, symbol string, timeframes []string, cfg LiquidityConfig) *Liquidity {
	d := &Liquidity{
		log:    log.Named("detector.liquidity").With("symbol", symbol),
		bus:    b,
		symbol: symbol,
		cfg:    cfg.withDefaults(),
		levels: make(map[string]*swingLevels, len(timeframes)),
	}
	for _, tf := range timeframes {
		d.levels[tf] = &swingLevels{}
	}
	return d
}

func (d *Liquidity) Register() {
	d.bus.Subscribe(event.KindCandle, d.onCandle)
}

func (d *Liquidity) onCandle(e event.Event) {
	ce, ok := e.(event.Candle)
	if !ok {
		return
	}
	c := ce.Candle
	lv := d.levels[c.Timeframe]
	if lv == nil || c.Symbol != d.symbol || !c.Closed {
		return
	}

	// 先对既有点位做扫荡检测，再把当前 K 线记为新的候选点位，
	// 避免 K 线扫到自己刚产生的高低点。
	if level, ok := sweepLevel(lv.highs, c, true); ok {
		lv.highs = removeLevel(lv.highs, level)
		d.publishSweep(c, event.SideSell, level)
	}
	if level, ok := sweepLevel(lv.lows, c, false); ok {
		lv.lows = removeLevel(lv.lows, level)
		d.publishSweep(c, event.SideBuy, level)
	}

	lv.highs = appendLevel(lv.highs, c.High, d.cfg.SwingCapacity)
	lv.lows = appendLevel(lv.lows, c.Low, d.cfg.SwingCapacity)
}

func (d *Liquidity) publishSweep(c market.Candle, side event.Side, level float64) {
	d.log.Info("检测到流动性扫荡", "timeframe", c.Timeframe, "side", string(side), "level", level)
	d.bus.Publish(event.LiquiditySweep{
		Detection: event.Detection{Symbol: c.Symbol, Timeframe: c.Timeframe, At: time.UnixMilli(c.CloseTime)},
		Side:      side,
		Level:     level,
	})
}

// sweepLevel 在存量点位中寻找第一个被插针扫荡的：
// 上方点位要求最高价穿过且收盘回落其下，下方点位镜像。
// 每根 K 线每侧只处理一次扫荡。集合里不含当前 K 线自己的高低点
// （onCandle 先检测后入集），上一根的点位同样可扫。
func sweepLevel(levels []float64, c market.Candle, above bool) (float64, bool) {
	for _, level := range levels {
		if above && c.High > level && c.Close < level {
			return level, true
		}
		if !above && c.Low < level && c.Close > level {
			return level, true
		}
	}
	return 0, false
}

func removeLevel(levels []float64, level float64) []float64 {
	for i, v := range levels {
		if v == level {
			return append(levels[:i], levels[i+1:]...)
		}
	}
	return levels
}

func appendLevel(levels []float64, v float64, capacity int) []float64 {
	levels = append(levels, v)
	if len(levels) > capacity {
		levels = levels[len(levels)-capacity:]
	}
	return levels
}
