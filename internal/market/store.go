package market

import (
	"errors"
	"sync"
)

// SnapshotExporter 导出固定窗口 K 线的抽象，供策略层取 ATR 快照。
type SnapshotExporter interface {
	Export(symbol, timeframe string, limit int) []Candle
}

// KlineStore 保存每个 symbol+timeframe 最近的已收 K 线序列。
type KlineStore struct {
	mu   sync.RWMutex
	max  int
	data map[string][]Candle
}

// NewKlineStore 创建内存 K 线存储，max 为每个序列的容量上限。
func NewKlineStore(max int) *KlineStore {
	if max <= 0 {
		max = 200
	}
	return &KlineStore{max: max, data: make(map[string][]Candle)}
}

// Put 追加一根 K 线并裁剪序列。
// 同一 open time 的增量更新会覆盖末尾而非重复追加。
func (s *KlineStore) Put(c Candle) error {
	if c.Symbol == "" || c.Timeframe == "" {
		return errors.New("symbol/timeframe 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Key(c.Symbol, c.Timeframe)
	cur := s.data[k]
	if n := len(cur); n > 0 && cur[n-1].OpenTime == c.OpenTime {
		cur[n-1] = c
	} else {
		cur = append(cur, c)
	}
	if len(cur) > s.max {
		cur = cur[len(cur)-s.max:]
	}
	s.data[k] = cur
	return nil
}

// Export 返回最近 limit 根 K 线的拷贝，按时间升序。
func (s *KlineStore) Export(symbol, timeframe string, limit int) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[Key(symbol, timeframe)]
	if limit <= 0 || limit > len(cur) {
		limit = len(cur)
	}
	out := make([]Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out
}

// Len 返回指定序列当前长度。
func (s *KlineStore) Len(symbol, timeframe string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[Key(symbol, timeframe)])
}
