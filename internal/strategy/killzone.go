package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
)

// KillZone 描述一个时段窗口，激活期间加大监控强度。
type KillZone struct {
	Name     string
	Start    string // "17:00"
	End      string // "20:00"
	Timezone string
}

// KillZoneManager 周期性计算各 Kill Zone 的激活状态，
// 状态翻转时恰好发布一条 KillZoneChanged 事件。
type KillZoneManager struct {
	log   *logger.Logger
	bus   *bus.Bus
	zones []KillZone
	tick  time.Duration

	mu     sync.RWMutex
	active map[string]bool
	now    func() time.Time
}

// NewKillZoneManager 创建管理器；zones 为空时 Run 直接返回。
func NewKillZoneManager(log *logger.Logger, b *bus.Bus, zones []KillZone) *KillZoneManager {
	return &KillZoneManager{
		log:    log.Named("killzone"),
		bus:    b,
		zones:  zones,
		tick:   15 * time.Second,
		active: make(map[string]bool),
		now:    time.Now,
	}
}

// Run 监控全部时段窗口，直到 ctx 取消。
func (m *KillZoneManager) Run(ctx context.Context) error {
	if len(m.zones) == 0 {
		return nil
	}
	m.log.Info("Kill Zone 监控启动", "zones", len(m.zones))
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	m.sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *KillZoneManager) sweep() {
	for _, z := range m.zones {
		active, err := zoneActive(z, m.now())
		if err != nil {
			m.log.Warn("Kill Zone 配置无效", "zone", z.Name, "err", err)
			continue
		}
		m.mu.Lock()
		prev, seen := m.active[z.Name]
		m.active[z.Name] = active
		m.mu.Unlock()
		if seen && prev == active {
			continue
		}
		m.log.Info("Kill Zone 状态翻转", "zone", z.Name, "active", active)
		m.bus.Publish(event.KillZoneChanged{Zone: z.Name, Active: active, At: m.now()})
	}
}

// ActiveZone 返回当前任一激活中的时段名。
func (m *KillZoneManager) ActiveZone() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, active := range m.active {
		if active {
			return name, true
		}
	}
	return "", false
}

// zoneActive 判断 now 是否落在时段内，支持跨午夜区间。
func zoneActive(z KillZone, now time.Time) (bool, error) {
	loc := time.Local
	if tz := strings.TrimSpace(z.Timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("时区 %s 无效: %w", tz, err)
		}
	}
	start, err := parseClock(z.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(z.End)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return cur >= start && cur < end, nil
	}
	// 跨午夜：例如 22:30 - 01:30。
	return cur >= start || cur < end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("时间点 %q 无效: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
