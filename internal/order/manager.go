// Package order 负责已批准订单的提交与生命周期跟踪。
package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/gateway/binance"
	"riptide/internal/logger"
)

const defaultPollInterval = 15 * time.Second

// Exchange 是订单管理依赖的交易接口，由签名 REST 客户端实现。
type Exchange interface {
	PlaceOrder(ctx context.Context, req binance.OrderRequest) (*binance.OrderAck, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (*binance.OrderAck, error)
	OpenOrders(ctx context.Context, symbol string) ([]binance.OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// 订单状态按生命周期排序，状态只能向前推进。
var statusRank = map[string]int{
	"NEW":              0,
	"PARTIALLY_FILLED": 1,
	"FILLED":           2,
	"CANCELED":         2,
	"EXPIRED":          2,
}

// 集合外的交易所状态（如 REJECTED）一律按终态处理，
// 否则该订单会被永久轮询。
func rank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return 2
}

func isTerminal(status string) bool { return rank(status) >= 2 }

// Tracked 是一笔在途订单的本地视图。
type Tracked struct {
	OrderID       int64
	ClientOrderID string
	DecisionID    string
	Symbol        string
	Side          event.Side
	Status        string
	Quantity      float64
	FilledQty     float64
	AvgFillPrice  float64
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// Manager 订阅已批准订单，提交市价单并轮询对账，
// 每次状态前进都发布 ORDER_STATE_CHANGE 事件。
type Manager struct {
	log      *logger.Logger
	bus      *bus.Bus
	exchange Exchange
	poll     time.Duration

	mu     sync.Mutex
	orders map[int64]*Tracked
}

// NewManager 创建订单管理。
func NewManager(log *logger.Logger, b *bus.Bus, exchange Exchange) *Manager {
	return &Manager{
		log:      log.Named("order"),
		bus:      b,
		exchange: exchange,
		poll:     defaultPollInterval,
		orders:   make(map[int64]*Tracked),
	}
}

// Register 订阅已批准订单事件。
func (m *Manager) Register() {
	m.bus.Subscribe(event.KindApprovedOrder, m.onApproved)
}

func (m *Manager) onApproved(e event.Event) {
	ap, ok := e.(event.ApprovedOrder)
	if !ok {
		return
	}
	log := m.log.With("decision", ap.DecisionID, "symbol", ap.Symbol)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ack, err := m.exchange.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:        ap.Symbol,
		Side:          string(ap.Side),
		Type:          ap.Type,
		Quantity:      ap.Quantity,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		log.Error("下单失败", "err", err)
		return
	}
	log.Info("已提交订单", "orderId", ack.OrderID, "status", ack.Status)

	t := &Tracked{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOrderID,
		DecisionID:    ap.DecisionID,
		Symbol:        ap.Symbol,
		Side:          ap.Side,
		Quantity:      ack.Quantity(),
		PlacedAt:      time.Now(),
	}
	m.mu.Lock()
	m.orders[ack.OrderID] = t
	m.mu.Unlock()

	m.applyAck(t, ack)
}

// applyAck 把交易所回报并入本地视图。状态只允许前进；
// 回报中出现更早状态（轮询乱序）直接忽略。
func (m *Manager) applyAck(t *Tracked, ack *binance.OrderAck) {
	m.mu.Lock()
	prev := t.Status
	if prev != "" && rank(ack.Status) < rank(prev) {
		m.mu.Unlock()
		return
	}
	changed := ack.Status != prev || ack.Filled() != t.FilledQty
	t.Status = ack.Status
	t.FilledQty = ack.Filled()
	t.AvgFillPrice = ack.FillPrice()
	t.UpdatedAt = time.Now()
	if isTerminal(t.Status) {
		delete(m.orders, t.OrderID)
	}
	snapshot := *t
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Info("订单状态变更",
		"orderId", snapshot.OrderID, "from", prev, "to", snapshot.Status,
		"filled", snapshot.FilledQty)
	m.bus.Publish(event.OrderStateChanged{
		OrderID:        snapshot.OrderID,
		ClientOrderID:  snapshot.ClientOrderID,
		Symbol:         snapshot.Symbol,
		Status:         snapshot.Status,
		Quantity:       snapshot.Quantity,
		FilledQuantity: snapshot.FilledQty,
		AvgFillPrice:   snapshot.AvgFillPrice,
		At:             snapshot.UpdatedAt,
	})
}

// Run 周期性把在途订单与交易所对账，直到 ctx 取消。
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) {
	for _, t := range m.Open() {
		ack, err := m.exchange.QueryOrder(ctx, t.Symbol, t.OrderID)
		if err != nil {
			m.log.Warn("订单查询失败", "orderId", t.OrderID, "err", err)
			continue
		}
		m.mu.Lock()
		live, ok := m.orders[t.OrderID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.applyAck(live, ack)
	}
}

// Open 返回在途订单快照。
func (m *Manager) Open() []Tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tracked, 0, len(m.orders))
	for _, t := range m.orders {
		out = append(out, *t)
	}
	return out
}

// CancelAll 尽力撤销全部在途订单，用于停机收尾。
// 除本地跟踪的订单外，还按 symbol 对照交易所侧的在途订单做兜底撤销。
// 无论单笔撤销成败，本地跟踪状态一律清空。
func (m *Manager) CancelAll(ctx context.Context, symbols ...string) {
	done := make(map[int64]bool)
	for _, t := range m.Open() {
		m.cancelOne(ctx, t.Symbol, t.OrderID, done)
	}
	for _, sym := range symbols {
		open, err := m.exchange.OpenOrders(ctx, sym)
		if err != nil {
			m.log.Warn("查询交易所在途订单失败", "symbol", sym, "err", err)
			continue
		}
		for _, ack := range open {
			m.cancelOne(ctx, ack.Symbol, ack.OrderID, done)
		}
	}
	m.mu.Lock()
	m.orders = make(map[int64]*Tracked)
	m.mu.Unlock()
}

func (m *Manager) cancelOne(ctx context.Context, symbol string, orderID int64, done map[int64]bool) {
	if done[orderID] {
		return
	}
	done[orderID] = true
	if err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		m.log.Warn("撤单失败", "orderId", orderID, "err", err)
		return
	}
	m.log.Info("已撤销订单", "orderId", orderID)
}
