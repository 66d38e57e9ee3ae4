package order

import (
	"context"
	"testing"
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/gateway/binance"
	"riptide/internal/logger"
)

// fakeExchange 以内存记录伪造交易接口。
type fakeExchange struct {
	placed   []binance.OrderRequest
	canceled []int64
	acks     map[int64]*binance.OrderAck
	nextID   int64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{acks: make(map[int64]*binance.OrderAck), nextID: 100}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req binance.OrderRequest) (*binance.OrderAck, error) {
	f.placed = append(f.placed, req)
	f.nextID++
	ack := &binance.OrderAck{
		OrderID:       f.nextID,
		ClientOrderID: "c-1",
		Symbol:        req.Symbol,
		Status:        "NEW",
		OrigQty:       "2",
	}
	f.acks[f.nextID] = ack
	return ack, nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, _ string, orderID int64) (*binance.OrderAck, error) {
	return f.acks[orderID], nil
}

func (f *fakeExchange) OpenOrders(_ context.Context, _ string) ([]binance.OrderAck, error) {
	var out []binance.OrderAck
	for _, ack := range f.acks {
		if !isTerminal(ack.Status) {
			out = append(out, *ack)
		}
	}
	return out, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeExchange, *bus.Bus, *[]event.OrderStateChanged) {
	t.Helper()
	b := bus.New(logger.Discard())
	changes := &[]event.OrderStateChanged{}
	b.Subscribe(event.KindOrderStateChange, func(e event.Event) {
		*changes = append(*changes, e.(event.OrderStateChanged))
	})
	ex := newFakeExchange()
	return NewManager(logger.Discard(), b, ex), ex, b, changes
}

func drainBus(t *testing.T, b *bus.Bus) {
	t.Helper()
	b.Close()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("总线退出异常: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("总线未退出")
	}
}

func approved() event.ApprovedOrder {
	return event.ApprovedOrder{
		DecisionID: "d-1",
		Symbol:     "BTCUSDT",
		Side:       event.SideBuy,
		Type:       "MARKET",
		Quantity:   2,
		At:         time.Now(),
	}
}

func TestApprovedOrderIsPlacedAndTracked(t *testing.T) {
	m, ex, b, changes := newTestManager(t)

	m.onApproved(approved())
	drainBus(t, b)

	if len(ex.placed) != 1 {
		t.Fatalf("下单 %d 次, 期望 1", len(ex.placed))
	}
	if ex.placed[0].Side != "BUY" || ex.placed[0].Type != "MARKET" {
		t.Fatalf("下单参数错误: %+v", ex.placed[0])
	}
	if ex.placed[0].ClientOrderID == "" {
		t.Fatal("缺少客户端订单 ID")
	}
	open := m.Open()
	if len(open) != 1 || open[0].Status != "NEW" {
		t.Fatalf("在途订单 = %+v, 期望一笔 NEW", open)
	}
	if len(*changes) != 1 || (*changes)[0].Status != "NEW" {
		t.Fatalf("状态事件 = %+v, 期望一条 NEW", *changes)
	}
}

func TestReconcileAdvancesToTerminal(t *testing.T) {
	m, ex, b, changes := newTestManager(t)

	m.onApproved(approved())
	id := m.Open()[0].OrderID

	ex.acks[id].Status = "PARTIALLY_FILLED"
	ex.acks[id].ExecutedQty = "1"
	m.reconcile(context.Background())

	ex.acks[id].Status = "FILLED"
	ex.acks[id].ExecutedQty = "2"
	ex.acks[id].AvgPrice = "1001.5"
	m.reconcile(context.Background())
	drainBus(t, b)

	if len(m.Open()) != 0 {
		t.Fatalf("终态订单应从跟踪表移除, 剩余 %d", len(m.Open()))
	}
	want := []string{"NEW", "PARTIALLY_FILLED", "FILLED"}
	if len(*changes) != len(want) {
		t.Fatalf("状态事件 %d 条, 期望 %d", len(*changes), len(want))
	}
	for i, w := range want {
		if (*changes)[i].Status != w {
			t.Fatalf("第 %d 条状态 = %s, 期望 %s", i, (*changes)[i].Status, w)
		}
	}
	last := (*changes)[len(*changes)-1]
	if last.FilledQuantity != 2 || last.AvgFillPrice != 1001.5 {
		t.Fatalf("终态成交字段 = %+v", last)
	}
}

func TestStateNeverMovesBackward(t *testing.T) {
	m, ex, b, changes := newTestManager(t)

	m.onApproved(approved())
	id := m.Open()[0].OrderID

	ex.acks[id].Status = "PARTIALLY_FILLED"
	ex.acks[id].ExecutedQty = "1"
	m.reconcile(context.Background())

	// 乱序回报: 查询又返回 NEW, 必须被忽略。
	ex.acks[id].Status = "NEW"
	ex.acks[id].ExecutedQty = "0"
	m.reconcile(context.Background())
	drainBus(t, b)

	open := m.Open()
	if len(open) != 1 || open[0].Status != "PARTIALLY_FILLED" {
		t.Fatalf("状态被回退: %+v", open)
	}
	for _, c := range *changes {
		if c.Status == "NEW" && c.FilledQuantity != 0 {
			t.Fatalf("不应出现回退事件: %+v", c)
		}
	}
	if n := len(*changes); n != 2 {
		t.Fatalf("状态事件 %d 条, 期望 NEW 与 PARTIALLY_FILLED 各一条", n)
	}
}

func TestCancelAll(t *testing.T) {
	m, ex, b, _ := newTestManager(t)

	m.onApproved(approved())
	m.onApproved(approved())
	drainBus(t, b)

	m.CancelAll(context.Background(), "BTCUSDT")
	if len(ex.canceled) != 2 {
		t.Fatalf("撤单 %d 次, 期望 2 且兜底查询不重复撤单", len(ex.canceled))
	}
	if n := len(m.Open()); n != 0 {
		t.Fatalf("撤单后本地仍跟踪 %d 笔, 期望清空", n)
	}
}

func TestUnknownExchangeStatusIsTerminal(t *testing.T) {
	m, ex, b, changes := newTestManager(t)

	m.onApproved(approved())
	id := m.Open()[0].OrderID

	// 交易所回报集合之外的状态, 订单必须停止轮询。
	ex.acks[id].Status = "REJECTED"
	m.reconcile(context.Background())
	drainBus(t, b)

	if len(m.Open()) != 0 {
		t.Fatalf("REJECTED 订单仍在跟踪表, 剩余 %d", len(m.Open()))
	}
	last := (*changes)[len(*changes)-1]
	if last.Status != "REJECTED" {
		t.Fatalf("末条状态事件 = %s, 期望 REJECTED", last.Status)
	}
}

func TestCancelAllIncludesUntrackedExchangeOrders(t *testing.T) {
	m, ex, _, _ := newTestManager(t)

	// 交易所侧存在一笔本地未跟踪的在途订单。
	ex.acks[999] = &binance.OrderAck{OrderID: 999, Symbol: "BTCUSDT", Status: "NEW"}
	m.CancelAll(context.Background(), "BTCUSDT")

	if len(ex.canceled) != 1 || ex.canceled[0] != 999 {
		t.Fatalf("兜底撤单 = %v, 期望撤销 999", ex.canceled)
	}
}
