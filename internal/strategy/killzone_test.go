package strategy

import (
	"context"
	"testing"
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
)

// drainBus 把已入队事件全部派发完。
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

func TestZoneActiveSimpleRange(t *testing.T) {
	z := KillZone{Name: "london", Start: "08:00", End: "11:00", Timezone: "UTC"}

	cases := []struct {
		clock string
		want  bool
	}{
		{"07:59", false},
		{"08:00", true},
		{"10:59", true},
		{"11:00", false},
	}
	for _, tc := range cases {
		now, _ := time.Parse("15:04", tc.clock)
		got, err := zoneActive(z, time.Date(2026, 1, 5, now.Hour(), now.Minute(), 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("%s: %v", tc.clock, err)
		}
		if got != tc.want {
			t.Fatalf("%s: active = %v, 期望 %v", tc.clock, got, tc.want)
		}
	}
}

func TestZoneActiveCrossMidnight(t *testing.T) {
	z := KillZone{Name: "asia", Start: "22:30", End: "01:30", Timezone: "UTC"}

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{23, 0, true},
		{0, 30, true},
		{1, 30, false},
		{12, 0, false},
	}
	for _, tc := range cases {
		got, err := zoneActive(z, time.Date(2026, 1, 5, tc.hour, tc.minute, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("%02d:%02d: %v", tc.hour, tc.minute, err)
		}
		if got != tc.want {
			t.Fatalf("%02d:%02d: active = %v, 期望 %v", tc.hour, tc.minute, got, tc.want)
		}
	}
}

func TestZoneActiveRejectsBadConfig(t *testing.T) {
	if _, err := zoneActive(KillZone{Start: "25:00", End: "26:00"}, time.Now()); err == nil {
		t.Fatal("非法时间点应返回错误")
	}
	if _, err := zoneActive(KillZone{Start: "10:00", End: "11:00", Timezone: "Mars/Olympus"}, time.Now()); err == nil {
		t.Fatal("非法时区应返回错误")
	}
}

func TestKillZoneManagerPublishesOnFlipOnly(t *testing.T) {
	b := bus.New(logger.Discard())
	var got []event.KillZoneChanged
	b.Subscribe(event.KindKillZoneChange, func(e event.Event) {
		got = append(got, e.(event.KillZoneChanged))
	})

	m := NewKillZoneManager(logger.Discard(), b, []KillZone{
		{Name: "ny", Start: "13:00", End: "16:00", Timezone: "UTC"},
	})
	clock := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.sweep() // 首次观测: 激活
	m.sweep() // 状态不变: 不应再发
	clock = time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)
	m.sweep() // 翻转为不激活

	drainBus(t, b)

	if len(got) != 2 {
		t.Fatalf("收到 %d 条翻转事件, 期望 2", len(got))
	}
	if !got[0].Active || got[1].Active {
		t.Fatalf("翻转顺序 = %v,%v, 期望先激活后退出", got[0].Active, got[1].Active)
	}
}

func TestActiveZone(t *testing.T) {
	m := NewKillZoneManager(logger.Discard(), bus.New(logger.Discard()), []KillZone{
		{Name: "ny", Start: "13:00", End: "16:00", Timezone: "UTC"},
	})
	m.now = func() time.Time { return time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC) }

	if _, ok := m.ActiveZone(); ok {
		t.Fatal("未巡检前不应有激活时段")
	}
	m.sweep()
	name, ok := m.ActiveZone()
	if !ok || name != "ny" {
		t.Fatalf("ActiveZone = %q,%v, 期望 ny,true", name, ok)
	}
}
