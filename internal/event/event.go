// Package event 定义事件总线上的封闭事件集合。
// 每种事件一个 Kind 常量和一个载荷结构体，订阅路由只依赖 Kind，
// 不允许在调用处引入临时字符串键。
package event

import (
	"time"

	"riptide/internal/market"
)

// Kind 是事件种类的判别标签。
type Kind string

const (
	KindCandle          Kind = "CANDLE"
	KindAccountUpdate   Kind = "ACCOUNT_UPDATE"
	KindGap             Kind = "GAP_DETECTED"
	KindOrderBlock      Kind = "ORDER_BLOCK_DETECTED"
	KindLiquiditySweep  Kind = "LIQUIDITY_SWEEP_DETECTED"
	KindStructureBreak  Kind = "STRUCTURE_BREAK_DETECTED"
	KindTradeDecision   Kind = "PRELIMINARY_TRADE_DECISION"
	KindApprovedOrder   Kind = "APPROVED_TRADE_ORDER"
	KindOrderStateChange Kind = "ORDER_STATE_CHANGE"
	KindKillZoneChange  Kind = "KILL_ZONE_STATE_CHANGE"
)

// Event 是总线上流转的统一接口。
type Event interface {
	Kind() Kind
	Time() time.Time
}

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trend 表示市场结构趋势状态。
type Trend string

const (
	TrendUnknown Trend = "UNKNOWN"
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
)

// Candle 封装一根行情 K 线。
type Candle struct {
	Candle market.Candle
	At     time.Time
}

func (e Candle) Kind() Kind      { return KindCandle }
func (e Candle) Time() time.Time { return e.At }

// AccountUpdate 来自用户数据流或账户查询的余额/持仓快照。
type AccountUpdate struct {
	Balance         float64
	AvailableMargin float64
	// Positions 以 symbol 为键记录带符号持仓数量（多正空负）。
	Positions map[string]float64
	At        time.Time
}

func (e AccountUpdate) Kind() Kind      { return KindAccountUpdate }
func (e AccountUpdate) Time() time.Time { return e.At }

// Detection 是各检测结果共有的定位字段。结果一经发布不可变更。
type Detection struct {
	Symbol    string
	Timeframe string
	At        time.Time
}

func (d Detection) Time() time.Time { return d.At }

// Gap 表示三根 K 线形成的价格缺口（FVG）。
type Gap struct {
	Detection
	Side Side // 多头缺口 BUY，空头缺口 SELL
	High float64
	Low  float64
}

func (e Gap) Kind() Kind { return KindGap }

// OrderBlock 表示反转前的订单块区域。
type OrderBlock struct {
	Detection
	Side     Side
	High     float64
	Low      float64
	OpenTime int64
}

func (e OrderBlock) Kind() Kind { return KindOrderBlock }

// LiquiditySweep 表示对某个前摆动高/低点的扫荡。
type LiquiditySweep struct {
	Detection
	Side  Side // BUY 表示扫下方流动性后拒绝，SELL 表示扫上方
	Level float64
}

func (e LiquiditySweep) Kind() Kind { return KindLiquiditySweep }

// BreakKind 区分结构突破类型。
type BreakKind string

const (
	BreakBOS   BreakKind = "BOS"
	BreakCHoCH BreakKind = "CHOCH"
)

// StructureBreak 表示 BOS 或 CHoCH。
type StructureBreak struct {
	Detection
	Break BreakKind
	Trend Trend // 突破后的趋势状态
	Level float64
}

func (e StructureBreak) Kind() Kind { return KindStructureBreak }

// TradeDecision 是策略协调器产出的初步交易决策。
// 每个满足的关联窗口只产生一次，由风控消费一次。
type TradeDecision struct {
	ID         string
	Symbol     string
	Timeframe  string
	Scenario   string
	Side       Side
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Gap        Gap
	OrderBlock OrderBlock
	Sweep      LiquiditySweep
	At         time.Time
}

func (e TradeDecision) Kind() Kind      { return KindTradeDecision }
func (e TradeDecision) Time() time.Time { return e.At }

// ApprovedOrder 是通过风控的待执行订单。
type ApprovedOrder struct {
	DecisionID string
	Symbol     string
	Side       Side
	Type       string
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	At         time.Time
}

func (e ApprovedOrder) Kind() Kind      { return KindApprovedOrder }
func (e ApprovedOrder) Time() time.Time { return e.At }

// OrderStateChanged 表示交易所侧订单状态变化。
type OrderStateChanged struct {
	OrderID        int64
	ClientOrderID  string
	Symbol         string
	Status         string
	Quantity       float64
	FilledQuantity float64
	AvgFillPrice   float64
	At             time.Time
}

func (e OrderStateChanged) Kind() Kind      { return KindOrderStateChange }
func (e OrderStateChanged) Time() time.Time { return e.At }

// KillZoneChanged 表示某个 Kill Zone 的激活状态翻转。
type KillZoneChanged struct {
	Zone   string
	Active bool
	At     time.Time
}

func (e KillZoneChanged) Kind() Kind      { return KindKillZoneChange }
func (e KillZoneChanged) Time() time.Time { return e.At }
