// Package store 提供本地 SQLite 交易日志，记录决策与订单轨迹。
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
)

// Journal 把决策、批准订单与订单状态变化落盘，供状态接口回读。
type Journal struct {
	log *logger.Logger
	mu  sync.Mutex
	db  *sql.DB
}

// OpenJournal 打开（必要时创建）日志库并建表。
func OpenJournal(log *logger.Logger, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开日志库失败: %w", err)
	}
	j := &Journal{log: log.Named("journal"), db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
            id TEXT PRIMARY KEY,
            symbol TEXT NOT NULL,
            timeframe TEXT NOT NULL,
            scenario TEXT NOT NULL,
            side TEXT NOT NULL,
            entry REAL, stop_loss REAL, take_profit REAL,
            created_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS approved_orders (
            decision_id TEXT NOT NULL,
            symbol TEXT NOT NULL,
            side TEXT NOT NULL,
            quantity REAL NOT NULL,
            stop_loss REAL, take_profit REAL,
            created_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS order_states (
            order_id INTEGER NOT NULL,
            symbol TEXT NOT NULL,
            status TEXT NOT NULL,
            quantity REAL, filled REAL, avg_price REAL,
            created_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS kill_zone_flips (
            zone TEXT NOT NULL,
            active INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        )`,
	}
	for _, q := range queries {
		if _, err := j.db.Exec(q); err != nil {
			return fmt.Errorf("建表失败: %w", err)
		}
	}
	return nil
}

// Register 订阅需要落盘的事件。
func (j *Journal) Register(b *bus.Bus) {
	b.Subscribe(event.KindTradeDecision, j.onEvent)
	b.Subscribe(event.KindApprovedOrder, j.onEvent)
	b.Subscribe(event.KindOrderStateChange, j.onEvent)
	b.Subscribe(event.KindKillZoneChange, j.onEvent)
}

func (j *Journal) onEvent(e event.Event) {
	var err error
	switch v := e.(type) {
	case event.TradeDecision:
		err = j.exec(`INSERT OR REPLACE INTO decisions
            (id, symbol, timeframe, scenario, side, entry, stop_loss, take_profit, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.Symbol, v.Timeframe, v.Scenario, string(v.Side),
			v.Entry, v.StopLoss, v.TakeProfit, v.At.UnixMilli())
	case event.ApprovedOrder:
		err = j.exec(`INSERT INTO approved_orders
            (decision_id, symbol, side, quantity, stop_loss, take_profit, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.DecisionID, v.Symbol, string(v.Side), v.Quantity,
			v.StopLoss, v.TakeProfit, v.At.UnixMilli())
	case event.OrderStateChanged:
		err = j.exec(`INSERT INTO order_states
            (order_id, symbol, status, quantity, filled, avg_price, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.OrderID, v.Symbol, v.Status, v.Quantity,
			v.FilledQuantity, v.AvgFillPrice, v.At.UnixMilli())
	case event.KillZoneChanged:
		err = j.exec(`INSERT INTO kill_zone_flips (zone, active, created_at)
            VALUES (?, ?, ?)`,
			v.Zone, v.Active, v.At.UnixMilli())
	}
	if err != nil {
		j.log.Warn("日志落盘失败", "kind", string(e.Kind()), "err", err)
	}
}

func (j *Journal) exec(query string, args ...any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return fmt.Errorf("日志库已关闭")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := j.db.ExecContext(ctx, query, args...)
	return err
}

// DecisionRecord 是落盘决策的回读视图。
type DecisionRecord struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Timeframe  string  `json:"timeframe"`
	Scenario   string  `json:"scenario"`
	Side       string  `json:"side"`
	Entry      float64 `json:"entry"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	CreatedAt  int64   `json:"createdAt"`
}

// RecentDecisions 返回最近 limit 条决策，按时间倒序。
func (j *Journal) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, fmt.Errorf("日志库已关闭")
	}
	rows, err := j.db.QueryContext(ctx, `
        SELECT id, symbol, timeframe, scenario, side, entry, stop_loss, take_profit, created_at
        FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var r DecisionRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Timeframe, &r.Scenario, &r.Side,
			&r.Entry, &r.StopLoss, &r.TakeProfit, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close 关闭日志库。
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
