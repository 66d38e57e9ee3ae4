package orchestrator

import (
	"context"
	"testing"
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
)

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	b := bus.New(logger.Discard())
	var delivered int
	b.Subscribe(event.KindGap, func(event.Event) { delivered++ })

	o := New(logger.Discard(), Options{Bus: b})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// 总线已在运行, 入队的事件要在停机排空时全部派发完。
	for i := 0; i < 5; i++ {
		b.Publish(event.Gap{})
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run 返回错误: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("停机未完成")
	}
	if delivered != 5 {
		t.Fatalf("派发 %d 条, 期望停机前排空全部 5 条", delivered)
	}
}
