// Package strategy 将多路检测信号关联成初步交易决策。
package strategy

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

const (
	signalRingCapacity = 10
	atrPeriod          = 14
	stopATRMultiple    = 1.5
	targetATRMultiple  = 2.0
	scenarioName       = "LiquiditySweep_OB_FVG_Confirmation"
)

// CoordinatorConfig 控制关联行为。
type CoordinatorConfig struct {
	Symbol string
	// Window 是滑动关联窗口：三类信号的最新一条都落在该窗口内才触发。
	Window time.Duration
}

// signalRing 是固定容量的信号环，最旧先淘汰。
type signalRing[T event.Event] struct {
	buf []T
}

func (r *signalRing[T]) push(v T) {
	r.buf = append(r.buf, v)
	if len(r.buf) > signalRingCapacity {
		r.buf = r.buf[len(r.buf)-signalRingCapacity:]
	}
}

func (r *signalRing[T]) latest() (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, false
	}
	return r.buf[len(r.buf)-1], true
}

func (r *signalRing[T]) clear() { r.buf = r.buf[:0] }

// 每个 (symbol, timeframe) 键的关联缓冲。
type signalBuffers struct {
	gaps   signalRing[event.Gap]
	blocks signalRing[event.OrderBlock]
	sweeps signalRing[event.LiquiditySweep]
	trend  event.Trend
}

// Coordinator 订阅全部检测事件，按 (symbol, timeframe) 维护三个
// 信号环。三环同时非空且各自最新一条都落在窗口 W 内时触发决策，
// 随后清空该键的全部缓冲，确保同一批证据至多产生一次决策。
type Coordinator struct {
	log      *logger.Logger
	bus      *bus.Bus
	cfg      CoordinatorConfig
	store    market.SnapshotExporter
	zones    *KillZoneManager
	buffers map[string]*signalBuffers
	now     func() time.Time

	decisions atomic.Int64
}

// NewCoordinator 创建协调器。store 用于取 K 线快照推导止损/止盈；
// zones 可为 nil，表示不做时间窗标注。
func NewCoordinator(log *logger.Logger, b *bus.Bus, cfg CoordinatorConfig, store market.SnapshotExporter, zones *KillZoneManager) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Coordinator{
		log:     log.Named("coordinator").With("symbol", cfg.Symbol),
		bus:     b,
		cfg:     cfg,
		store:   store,
		zones:   zones,
		buffers: make(map[string]*signalBuffers),
		now:     time.Now,
	}
}

// Register 订阅四类检测事件。
func (c *Coordinator) Register() {
	c.bus.Subscribe(event.KindGap, c.onDetection)
	c.bus.Subscribe(event.KindOrderBlock, c.onDetection)
	c.bus.Subscribe(event.KindLiquiditySweep, c.onDetection)
	c.bus.Subscribe(event.KindStructureBreak, c.onDetection)
}

func (c *Coordinator) onDetection(e event.Event) {
	switch d := e.(type) {
	case event.Gap:
		if d.Symbol != c.cfg.Symbol {
			return
		}
		c.bufferFor(d.Timeframe).gaps.push(d)
		c.evaluate(d.Timeframe)
	case event.OrderBlock:
		if d.Symbol != c.cfg.Symbol {
			return
		}
		c.bufferFor(d.Timeframe).blocks.push(d)
		c.evaluate(d.Timeframe)
	case event.LiquiditySweep:
		if d.Symbol != c.cfg.Symbol {
			return
		}
		c.bufferFor(d.Timeframe).sweeps.push(d)
		c.evaluate(d.Timeframe)
	case event.StructureBreak:
		if d.Symbol != c.cfg.Symbol {
			return
		}
		// 结构突破不参与三环关联，仅更新方向参考。
		c.bufferFor(d.Timeframe).trend = d.Trend
	}
}

func (c *Coordinator) bufferFor(timeframe string) *signalBuffers {
	b := c.buffers[timeframe]
	if b == nil {
		b = &signalBuffers{trend: event.TrendUnknown}
		c.buffers[timeframe] = b
	}
	return b
}

func (c *Coordinator) evaluate(timeframe string) {
	b := c.buffers[timeframe]
	gap, okG := b.gaps.latest()
	block, okB := b.blocks.latest()
	sweep, okS := b.sweeps.latest()
	if !okG || !okB || !okS {
		return
	}
	now := c.now()
	if now.Sub(gap.At) > c.cfg.Window || now.Sub(block.At) > c.cfg.Window || now.Sub(sweep.At) > c.cfg.Window {
		return
	}

	side := event.SideBuy
	if b.trend == event.TrendBearish {
		side = event.SideSell
	}
	entry, stop, target := c.deriveLevels(timeframe, side, gap)

	decision := event.TradeDecision{
		ID:         uuid.NewString(),
		Symbol:     c.cfg.Symbol,
		Timeframe:  timeframe,
		Scenario:   c.scenario(),
		Side:       side,
		Entry:      entry,
		StopLoss:   stop,
		TakeProfit: target,
		Gap:        gap,
		OrderBlock: block,
		Sweep:      sweep,
		At:         now,
	}
	c.log.Info("交易场景满足，生成初步决策",
		"timeframe", timeframe, "decision", decision.ID, "side", string(side),
		"entry", entry, "stop", stop, "target", target)
	c.bus.Publish(decision)
	c.decisions.Add(1)

	// 清空该键的三个信号环，防止同一批证据立即复触发。
	b.gaps.clear()
	b.blocks.clear()
	b.sweeps.clear()
}

// deriveLevels 从最近 K 线快照推导入场价与 ATR 止损/止盈。
// 快照不足时退化为用缺口边界做止损参考。
func (c *Coordinator) deriveLevels(timeframe string, side event.Side, gap event.Gap) (entry, stop, target float64) {
	candles := c.store.Export(c.cfg.Symbol, timeframe, atrPeriod*2)
	if len(candles) == 0 {
		return 0, 0, 0
	}
	entry = candles[len(candles)-1].Close

	if len(candles) > atrPeriod {
		highs := make([]float64, len(candles))
		lows := make([]float64, len(candles))
		closes := make([]float64, len(candles))
		for i, k := range candles {
			highs[i], lows[i], closes[i] = k.High, k.Low, k.Close
		}
		atr := talib.Atr(highs, lows, closes, atrPeriod)
		if v := atr[len(atr)-1]; v > 0 {
			if side == event.SideBuy {
				return entry, entry - v*stopATRMultiple, entry + v*targetATRMultiple
			}
			return entry, entry + v*stopATRMultiple, entry - v*targetATRMultiple
		}
	}
	// ATR 不可用：以缺口远端做止损，不设止盈。
	if side == event.SideBuy {
		return entry, gap.Low, 0
	}
	return entry, gap.High, 0
}

func (c *Coordinator) scenario() string {
	if c.zones != nil {
		if zone, ok := c.zones.ActiveZone(); ok {
			return scenarioName + "@" + zone
		}
	}
	return scenarioName
}

// Decisions 返回累计产生的决策数，状态接口用。
func (c *Coordinator) Decisions() int64 { return c.decisions.Load() }
