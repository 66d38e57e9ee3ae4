// Package bus 实现进程内的类型化发布/订阅总线。
// 所有事件经过同一条 FIFO 队列，由单一派发循环按入队顺序投递；
// 不同 Kind 的事件之间不会被重排。
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"riptide/internal/event"
	"riptide/internal/logger"
)

// Handler 处理一个事件。同一 Kind 的 handler 按注册顺序调用。
type Handler func(event.Event)

// Bus 是单派发循环的事件总线。队列无界，深度通过 Depth 暴露，
// 供编排器检测积压。
type Bus struct {
	log *logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event.Event
	subs   map[event.Kind][]Handler
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// New 创建总线。
func New(log *logger.Logger) *Bus {
	b := &Bus{
		log:  log.Named("bus"),
		subs: make(map[event.Kind][]Handler),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe 注册指定 Kind 的 handler。
func (b *Bus) Subscribe(kind event.Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], h)
	b.mu.Unlock()
}

// Publish 将事件入队后立即返回。总线关闭后发布是 no-op（记录后丢弃），
// 生产者无需与总线协调关闭顺序。
func (b *Bus) Publish(e event.Event) {
	if e == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.log.Warn("总线已关闭，事件被丢弃", "kind", string(e.Kind()))
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	b.published.Add(1)
	b.cond.Signal()
}

// Run 运行派发循环，直到 ctx 取消或总线关闭且队列排空。
func (b *Bus) Run(ctx context.Context) error {
	// ctx 取消时唤醒可能阻塞在等待上的循环。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-done:
		}
	}()

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed && ctx.Err() == nil {
			b.cond.Wait()
		}
		if ctx.Err() != nil && !b.closed {
			b.mu.Unlock()
			return ctx.Err()
		}
		if len(b.queue) == 0 {
			// 已关闭且排空，优雅退出。
			b.mu.Unlock()
			return nil
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		handlers := append([]Handler(nil), b.subs[e.Kind()]...)
		b.mu.Unlock()

		if len(handlers) == 0 {
			// 无人订阅的事件直接丢弃，不视为错误。
			b.log.Debug("事件无订阅者", "kind", string(e.Kind()))
			continue
		}
		for _, h := range handlers {
			b.dispatch(h, e)
		}
	}
}

// dispatch 在派发边界隔离 handler panic：记录后继续，
// 不影响同一事件的其余 handler，也不中断循环。
func (b *Bus) dispatch(h Handler, e event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("事件 handler panic", "kind", string(e.Kind()), "panic", r)
		}
	}()
	h(e)
}

// Close 停止接收新事件。派发循环会把已入队事件处理完后退出。
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Depth 返回当前待派发事件数。
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Published 返回累计入队事件数。
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped 返回因关闭被丢弃的事件数。
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
