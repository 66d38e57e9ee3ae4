package detector

import "riptide/internal/market"

// window 是固定容量的 K 线滚动窗口，满员后先进先出淘汰。
// 只保存已收盘的 K 线。
type window struct {
	cap int
	buf []market.Candle
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = 3
	}
	return &window{cap: capacity, buf: make([]market.Candle, 0, capacity)}
}

func (w *window) push(c market.Candle) {
	if len(w.buf) == w.cap {
		copy(w.buf, w.buf[1:])
		w.buf = w.buf[:w.cap-1]
	}
	w.buf = append(w.buf, c)
}

func (w *window) full() bool { return len(w.buf) == w.cap }

func (w *window) size() int { return len(w.buf) }

func (w *window) at(i int) market.Candle { return w.buf[i] }

func (w *window) last() market.Candle { return w.buf[len(w.buf)-1] }
