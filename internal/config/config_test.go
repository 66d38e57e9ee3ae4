package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validTOML = `
[binance]
api_key = "k"
api_secret = "s"

[trading]
symbol = "btcusdt"
timeframes = ["1M", " 5m "]
risk_per_trade = 0.01

[account]
balance = 10000.0

[strategy]
correlation_window_secs = 90

[[strategy.kill_zones]]
name = "london"
start = "08:00"
end = "11:00"
timezone = "UTC"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsAndNormalizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trading.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, 期望大写", cfg.Trading.Symbol)
	}
	if len(cfg.Trading.Timeframes) != 2 || cfg.Trading.Timeframes[0] != "1m" || cfg.Trading.Timeframes[1] != "5m" {
		t.Fatalf("timeframes = %v, 期望小写去空白", cfg.Trading.Timeframes)
	}
	if cfg.Trading.WarmupLimit != 100 {
		t.Fatalf("warmup_limit 默认值 = %d", cfg.Trading.WarmupLimit)
	}
	if cfg.Risk.MaxPositions != 3 || cfg.Risk.MarginBufferUSD != 50 {
		t.Fatalf("风控默认值 = %+v", cfg.Risk)
	}
	if cfg.CorrelationWindow() != 90*time.Second {
		t.Fatalf("关联窗口 = %v, 期望 90s", cfg.CorrelationWindow())
	}
	if len(cfg.Strategy.KillZones) != 1 || cfg.Strategy.KillZones[0].Name != "london" {
		t.Fatalf("kill_zones = %+v", cfg.Strategy.KillZones)
	}
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	body := strings.ReplaceAll(validTOML, `api_secret = "s"`, "")
	body = strings.ReplaceAll(body, `risk_per_trade = 0.01`, "")
	_, err := Load(writeConfig(t, body))
	if err == nil {
		t.Fatal("缺少必填项应返回错误")
	}
	for _, key := range []string{"binance.api_secret", "trading.risk_per_trade"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("错误信息未包含 %s: %v", key, err)
		}
	}
}

func TestLoadRejectsWholeNumberRisk(t *testing.T) {
	body := strings.ReplaceAll(validTOML, "risk_per_trade = 0.01", "risk_per_trade = 2.0")
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("risk_per_trade >= 1 应返回错误")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("文件不存在应返回错误")
	}
}
