package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jedib0t/go-pretty/v6/table"

	"riptide/internal/bus"
	"riptide/internal/config"
	"riptide/internal/detector"
	"riptide/internal/gateway/binance"
	"riptide/internal/logger"
	"riptide/internal/market"
	"riptide/internal/orchestrator"
	"riptide/internal/order"
	"riptide/internal/risk"
	"riptide/internal/store"
	"riptide/internal/strategy"
	"riptide/internal/transport/http/status"
)

func main() {
	configPath := flag.String("config", "config.toml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := run(log, cfg); err != nil {
		log.Error("进程异常退出", "err", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(log)
	klines := market.NewKlineStore(0)

	gw := binance.Config{
		RESTBaseURL: cfg.Binance.RESTBaseURL,
		WSBaseURL:   cfg.Binance.WSBaseURL,
		APIKey:      cfg.Binance.APIKey,
		APISecret:   cfg.Binance.APISecret,
	}
	rest := binance.NewClient(log, gw)
	history := futures.NewClient(cfg.Binance.APIKey, cfg.Binance.APISecret)
	feed := binance.NewFeed(log, b, klines, rest, history, gw, binance.FeedConfig{
		Symbol:      cfg.Trading.Symbol,
		Timeframes:  cfg.Trading.Timeframes,
		WarmupLimit: cfg.Trading.WarmupLimit,
	})

	// 检测器注册顺序即同一根 K 线的处理顺序。
	detector.NewGap(log, b, cfg.Trading.Symbol, cfg.Trading.Timeframes).Register()
	detector.NewOrderBlock(log, b, cfg.Trading.Symbol, cfg.Trading.Timeframes, detector.OrderBlockConfig{}).Register()
	detector.NewLiquidity(log, b, cfg.Trading.Symbol, cfg.Trading.Timeframes, detector.LiquidityConfig{}).Register()
	detector.NewStructure(log, b, cfg.Trading.Symbol, cfg.Trading.Timeframes, detector.StructureConfig{}).Register()

	var zones *strategy.KillZoneManager
	if len(cfg.Strategy.KillZones) > 0 {
		kz := make([]strategy.KillZone, 0, len(cfg.Strategy.KillZones))
		for _, z := range cfg.Strategy.KillZones {
			kz = append(kz, strategy.KillZone{Name: z.Name, Start: z.Start, End: z.End, Timezone: z.Timezone})
		}
		zones = strategy.NewKillZoneManager(log, b, kz)
	}

	coord := strategy.NewCoordinator(log, b, strategy.CoordinatorConfig{
		Symbol: cfg.Trading.Symbol,
		Window: cfg.CorrelationWindow(),
	}, klines, zones)
	coord.Register()

	risk.NewManager(log, b, risk.Config{
		RiskPerTrade:       cfg.Trading.RiskPerTrade,
		InitialBalance:     cfg.Account.Balance,
		MaxPositions:       cfg.Risk.MaxPositions,
		MarginRatioFloor:   cfg.Risk.MarginRatioFloor,
		MarginBufferUSD:    cfg.Risk.MarginBufferUSD,
		MarginCeilingRatio: cfg.Risk.MarginCeilingRatio,
	}, rest).Register()

	orders := order.NewManager(log, b, rest)
	orders.Register()

	var journal *store.Journal
	if cfg.Journal.Path != "" {
		j, err := store.OpenJournal(log, cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		j.Register(b)
		journal = j
	}

	opt := orchestrator.Options{
		Bus:           b,
		Feed:          feed,
		Rest:          rest,
		Orders:        orders,
		KillZones:     zones,
		FlattenOnExit: cfg.Risk.FlattenOnExit,
		Symbol:        cfg.Trading.Symbol,
	}
	if cfg.Server.StatusAddr != "" {
		router := status.NewRouter(log, b, feed, coord, orders, journal)
		opt.Status = status.NewServer(cfg.Server.StatusAddr, router)
	}

	printStartupSummary(cfg)
	log.Info("riptide 启动",
		"symbol", cfg.Trading.Symbol,
		"timeframes", strings.Join(cfg.Trading.Timeframes, ","))

	return orchestrator.New(log, opt).Run(ctx)
}

func printStartupSummary(cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"配置项", "值"})
	t.AppendRows([]table.Row{
		{"symbol", cfg.Trading.Symbol},
		{"timeframes", strings.Join(cfg.Trading.Timeframes, ", ")},
		{"risk_per_trade", cfg.Trading.RiskPerTrade},
		{"max_positions", cfg.Risk.MaxPositions},
		{"correlation_window", cfg.CorrelationWindow().String()},
		{"kill_zones", len(cfg.Strategy.KillZones)},
		{"flatten_on_exit", cfg.Risk.FlattenOnExit},
		{"status_addr", orDash(cfg.Server.StatusAddr)},
		{"journal", orDash(cfg.Journal.Path)},
	})
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
