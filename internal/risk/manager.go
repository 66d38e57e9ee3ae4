// Package risk 对初步交易决策做账户级风控闸门与仓位测算。
package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/pkg/trading"
)

// 合约数量精度，BTCUSDT 等主流永续为三位小数。
const quantityDecimals = 3

// AccountQuerier 按需查询账户资金与持仓，由签名 REST 客户端实现。
type AccountQuerier interface {
	Account(ctx context.Context) (balance, available float64, err error)
}

// Snapshot 是风控持有的账户快照。归属权独占：只由本组件
// 依据账户事件或主动查询更新，其他组件不得写入。
type Snapshot struct {
	Balance         float64
	AvailableMargin float64
	Positions       map[string]float64
	UpdatedAt       time.Time
}

// Config 是风控参数。
type Config struct {
	RiskPerTrade float64
	// InitialBalance 在首次账户快照到达前充当余额。
	InitialBalance float64
	MaxPositions   int
	// MarginRatioFloor 是可用保证金占余额比例的下限。
	MarginRatioFloor float64
	// MarginBufferUSD 是最低可用保证金缓冲。
	MarginBufferUSD float64
	// MarginCeilingRatio 将单笔名义敞口限制在可用保证金的该比例内。
	MarginCeilingRatio float64
	// SnapshotTTL 超过该时长的快照在决策前会触发主动刷新。
	SnapshotTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPositions <= 0 {
		c.MaxPositions = 3
	}
	if c.MarginRatioFloor <= 0 {
		c.MarginRatioFloor = 0.1
	}
	if c.MarginBufferUSD <= 0 {
		c.MarginBufferUSD = 50
	}
	if c.MarginCeilingRatio <= 0 {
		c.MarginCeilingRatio = 0.5
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 30 * time.Second
	}
	return c
}

// Manager 订阅交易决策：先刷新快照，再依次过账户闸门与保证金闸门，
// 通过后测算仓位并发布已批准订单；任一环节不通过都是静默拒绝（仅记录）。
type Manager struct {
	log     *logger.Logger
	bus     *bus.Bus
	cfg     Config
	account AccountQuerier

	mu       sync.Mutex
	snapshot Snapshot
}

// NewManager 创建风控。account 可为 nil（仅依赖账户事件流）。
func NewManager(log *logger.Logger, b *bus.Bus, cfg Config, account AccountQuerier) *Manager {
	final := cfg.withDefaults()
	return &Manager{
		log:     log.Named("risk"),
		bus:     b,
		cfg:     final,
		account: account,
		snapshot: Snapshot{
			Balance:         final.InitialBalance,
			AvailableMargin: final.InitialBalance,
			Positions:       make(map[string]float64),
		},
	}
}

// Register 订阅账户更新与交易决策。
func (m *Manager) Register() {
	m.bus.Subscribe(event.KindAccountUpdate, m.onAccountUpdate)
	m.bus.Subscribe(event.KindTradeDecision, m.onDecision)
}

func (m *Manager) onAccountUpdate(e event.Event) {
	up, ok := e.(event.AccountUpdate)
	if !ok {
		return
	}
	m.mu.Lock()
	if up.Balance > 0 {
		m.snapshot.Balance = up.Balance
	}
	if up.AvailableMargin > 0 {
		m.snapshot.AvailableMargin = up.AvailableMargin
	}
	for sym, qty := range up.Positions {
		if qty == 0 {
			delete(m.snapshot.Positions, sym)
		} else {
			m.snapshot.Positions[sym] = qty
		}
	}
	m.snapshot.UpdatedAt = up.At
	m.mu.Unlock()
}

func (m *Manager) onDecision(e event.Event) {
	d, ok := e.(event.TradeDecision)
	if !ok {
		return
	}
	log := m.log.With("decision", d.ID, "symbol", d.Symbol, "timeframe", d.Timeframe)

	m.refreshIfStale(log)
	snap := m.Snapshot()

	// 闸门 (a)：并发持仓数与保证金比例。
	if len(snap.Positions) >= m.cfg.MaxPositions {
		log.Warn("拒绝决策：持仓数已达上限", "positions", len(snap.Positions), "max", m.cfg.MaxPositions)
		return
	}
	if snap.Balance > 0 && snap.AvailableMargin/snap.Balance < m.cfg.MarginRatioFloor {
		log.Warn("拒绝决策：可用保证金比例过低", "available", snap.AvailableMargin, "balance", snap.Balance)
		return
	}
	// 闸门 (b)：最低保证金缓冲。
	if snap.AvailableMargin < m.cfg.MarginBufferUSD {
		log.Warn("拒绝决策：可用保证金低于缓冲线", "available", snap.AvailableMargin, "buffer", m.cfg.MarginBufferUSD)
		return
	}

	qty := m.positionSize(snap, d)
	if qty <= 0 {
		log.Warn("拒绝决策：计算仓位非正", "entry", d.Entry, "stop", d.StopLoss)
		return
	}

	log.Info("决策通过风控", "side", string(d.Side), "quantity", qty)
	m.bus.Publish(event.ApprovedOrder{
		DecisionID: d.ID,
		Symbol:     d.Symbol,
		Side:       d.Side,
		Type:       "MARKET",
		Quantity:   qty,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		At:         time.Now(),
	})
}

// positionSize 按 min(风险预算/止损距离, 保证金上限) 计算仓位，
// 保留三位小数。
func (m *Manager) positionSize(snap Snapshot, d event.TradeDecision) float64 {
	stopDistance := math.Abs(d.Entry - d.StopLoss)
	if stopDistance <= 0 || d.Entry <= 0 {
		return 0
	}
	riskBudget := snap.Balance * m.cfg.RiskPerTrade
	if marginBudget := snap.AvailableMargin * m.cfg.RiskPerTrade; marginBudget < riskBudget {
		riskBudget = marginBudget
	}
	qty := riskBudget / stopDistance
	// 名义敞口上限换算成数量。
	ceiling := snap.AvailableMargin * m.cfg.MarginCeilingRatio / d.Entry
	if qty > ceiling {
		qty = ceiling
	}
	return trading.TruncQuantity(qty, quantityDecimals)
}

func (m *Manager) refreshIfStale(log *logger.Logger) {
	if m.account == nil {
		return
	}
	m.mu.Lock()
	stale := time.Since(m.snapshot.UpdatedAt) > m.cfg.SnapshotTTL
	m.mu.Unlock()
	if !stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	balance, available, err := m.account.Account(ctx)
	if err != nil {
		log.Warn("账户快照刷新失败，沿用旧值", "err", err)
		return
	}
	m.mu.Lock()
	m.snapshot.Balance = balance
	m.snapshot.AvailableMargin = available
	m.snapshot.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// Snapshot 返回当前快照的拷贝。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snapshot
	out.Positions = make(map[string]float64, len(m.snapshot.Positions))
	for k, v := range m.snapshot.Positions {
		out.Positions[k] = v
	}
	return out
}
