package detector

import (
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

const (
	defaultStructureWindow = 50
	// 分形摆动点：中心 K 线两侧各比较 2 根。
	swingFractalSpan = 2
)

// StructureConfig 是结构规则的可调参数。
type StructureConfig struct {
	WindowSize int
}

func (c StructureConfig) withDefaults() StructureConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultStructureWindow
	}
	return c
}

// 每个 timeframe 的趋势状态与最近的待突破摆动点。
type structureState struct {
	win       *window
	trend     event.Trend
	swingHigh float64
	swingLow  float64
}

// Structure 维护趋势状态 {Unknown, Bullish, Bearish}：
// 收盘越过最近的对向摆动点记为 BOS，若该突破反转了原有趋势则记为
// CHoCH，趋势状态随之更新。被突破的点位即告消费，直到新的摆动点成形。
type Structure struct {
	log    *logger.Logger
	bus    *bus.Bus
	symbol string
	cfg    StructureConfig
	states map[string]*structureState
}

func NewStructure(log *logger.Logger, b *bus.Bus, symbol string, timeframes []string, cfg StructureConfig) *Structure {
	d := &Structure{
		log:    log.Named("detector.structure").With("symbol", symbol),
		bus:    b,
		symbol: symbol,
		cfg:    cfg.withDefaults(),
		states: make(map[string]*structureState, len(timeframes)),
	}
	for _, tf := range timeframes {
		d.states[tf] = &structureState{win: newWindow(d.cfg.WindowSize), trend: event.TrendUnknown}
	}
	return d
}

func (d *Structure) Register() {
	d.bus.Subscribe(event.KindCandle, d.onCandle)
}

func (d *Structure) onCandle(e event.Event) {
	ce, ok := e.(event.Candle)
	if !ok {
		return
	}
	c := ce.Candle
	st := d.states[c.Timeframe]
	if st == nil || c.Symbol != d.symbol || !c.Closed {
		return
	}
	st.win.push(c)
	updateSwings(st)

	if st.swingHigh > 0 && c.Close > st.swingHigh {
		kind := event.BreakBOS
		if st.trend == event.TrendBearish {
			kind = event.BreakCHoCH
		}
		level := st.swingHigh
		st.swingHigh = 0
		st.trend = event.TrendBullish
		d.publishBreak(c, kind, event.TrendBullish, level)
		return
	}
	if st.swingLow > 0 && c.Close < st.swingLow {
		kind := event.BreakBOS
		if st.trend == event.TrendBullish {
			kind = event.BreakCHoCH
		}
		level := st.swingLow
		st.swingLow = 0
		st.trend = event.TrendBearish
		d.publishBreak(c, kind, event.TrendBearish, level)
	}
}

func (d *Structure) publishBreak(c market.Candle, kind event.BreakKind, trend event.Trend, level float64) {
	d.log.Info("检测到结构突破", "timeframe", c.Timeframe, "break", string(kind), "trend", string(trend), "level", level)
	d.bus.Publish(event.StructureBreak{
		Detection: event.Detection{Symbol: c.Symbol, Timeframe: c.Timeframe, At: time.UnixMilli(c.CloseTime)},
		Break:     kind,
		Trend:     trend,
		Level:     level,
	})
}

// updateSwings 以 5 根分形识别新的摆动高低点。
// 中心取倒数第三根，与两侧各两根比较。
func updateSwings(st *structureState) {
	n := st.win.size()
	if n < swingFractalSpan*2+1 {
		return
	}
	center := n - 1 - swingFractalSpan
	c := st.win.at(center)

	isHigh, isLow := true, true
	for i := center - swingFractalSpan; i <= center+swingFractalSpan; i++ {
		if i == center {
			continue
		}
		if st.win.at(i).High >= c.High {
			isHigh = false
		}
		if st.win.at(i).Low <= c.Low {
			isLow = false
		}
	}
	if isHigh {
		st.swingHigh = c.High
	}
	if isLow {
		st.swingLow = c.Low
	}
}

// Trend 返回指定 timeframe 的当前趋势状态，供策略侧做方向参考。
func (d *Structure) Trend(timeframe string) event.Trend {
	if st := d.states[timeframe]; st != nil {
		return st.trend
	}
	return event.TrendUnknown
}
