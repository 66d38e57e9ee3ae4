// Package config 负责从 TOML 文件加载并校验运行配置。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config 是进程的完整配置。缺失必填项视为启动致命错误。
type Config struct {
	Binance  Binance  `toml:"binance"`
	Trading  Trading  `toml:"trading"`
	Account  Account  `toml:"account"`
	Risk     Risk     `toml:"risk"`
	Strategy Strategy `toml:"strategy"`
	Logging  Logging  `toml:"logging"`
	Server   Server   `toml:"server"`
	Journal  Journal  `toml:"journal"`
}

type Binance struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	// RESTBaseURL/WSBaseURL 留空时使用币安合约主网。
	RESTBaseURL string `toml:"rest_base_url"`
	WSBaseURL   string `toml:"ws_base_url"`
}

type Trading struct {
	Symbol       string   `toml:"symbol"`
	Timeframes   []string `toml:"timeframes"`
	RiskPerTrade float64  `toml:"risk_per_trade"`
	WarmupLimit  int      `toml:"warmup_limit"`
}

type Account struct {
	Balance float64 `toml:"balance"`
}

type Risk struct {
	MaxPositions       int     `toml:"max_positions"`
	MarginRatioFloor   float64 `toml:"margin_ratio_floor"`
	MarginBufferUSD    float64 `toml:"margin_buffer_usd"`
	MarginCeilingRatio float64 `toml:"margin_ceiling_ratio"`
	FlattenOnExit      bool    `toml:"flatten_on_exit"`
}

type Strategy struct {
	CorrelationWindowSecs int        `toml:"correlation_window_secs"`
	KillZones             []KillZone `toml:"kill_zones"`
}

type KillZone struct {
	Name     string `toml:"name"`
	Start    string `toml:"start"` // "17:00"
	End      string `toml:"end"`   // "20:00"
	Timezone string `toml:"timezone"`
}

type Logging struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type Server struct {
	// StatusAddr 为空时不启动状态接口。
	StatusAddr string `toml:"status_addr"`
}

type Journal struct {
	Path string `toml:"path"`
}

// Load 读取并校验配置文件。
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Binance.APIKey) == "" {
		missing = append(missing, "binance.api_key")
	}
	if strings.TrimSpace(c.Binance.APISecret) == "" {
		missing = append(missing, "binance.api_secret")
	}
	if strings.TrimSpace(c.Trading.Symbol) == "" {
		missing = append(missing, "trading.symbol")
	}
	if len(c.Trading.Timeframes) == 0 {
		missing = append(missing, "trading.timeframes")
	}
	if c.Trading.RiskPerTrade <= 0 {
		missing = append(missing, "trading.risk_per_trade")
	}
	if c.Account.Balance <= 0 {
		missing = append(missing, "account.balance")
	}
	if len(missing) > 0 {
		return fmt.Errorf("缺少必填配置项: %s", strings.Join(missing, ", "))
	}
	if c.Trading.RiskPerTrade >= 1 {
		return fmt.Errorf("trading.risk_per_trade 应为小数比例, 收到 %v", c.Trading.RiskPerTrade)
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Trading.Symbol = strings.ToUpper(strings.TrimSpace(c.Trading.Symbol))
	tfs := make([]string, 0, len(c.Trading.Timeframes))
	for _, tf := range c.Trading.Timeframes {
		if t := strings.ToLower(strings.TrimSpace(tf)); t != "" {
			tfs = append(tfs, t)
		}
	}
	c.Trading.Timeframes = tfs
	if c.Trading.WarmupLimit <= 0 {
		c.Trading.WarmupLimit = 100
	}
	if c.Risk.MaxPositions <= 0 {
		c.Risk.MaxPositions = 3
	}
	if c.Risk.MarginRatioFloor <= 0 {
		c.Risk.MarginRatioFloor = 0.1
	}
	if c.Risk.MarginBufferUSD <= 0 {
		c.Risk.MarginBufferUSD = 50
	}
	if c.Risk.MarginCeilingRatio <= 0 {
		c.Risk.MarginCeilingRatio = 0.5
	}
	if c.Strategy.CorrelationWindowSecs <= 0 {
		c.Strategy.CorrelationWindowSecs = 60
	}
}

// CorrelationWindow 返回关联窗口时长。
func (c *Config) CorrelationWindow() time.Duration {
	return time.Duration(c.Strategy.CorrelationWindowSecs) * time.Second
}
