// Package orchestrator 掌管整个管线的启动顺序、健康巡检与有序停机。
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/gateway/binance"
	"riptide/internal/logger"
	"riptide/internal/order"
	"riptide/internal/strategy"
)

const (
	healthInterval = 30 * time.Second
	// 巡检告警阈值。
	heapWarnBytes  = 1 << 30
	busDepthWarn   = 1000
	shutdownBudget = 15 * time.Second
)

// Options 收拢编排器需要托管的组件。
type Options struct {
	Bus       *bus.Bus
	Feed      *binance.Feed
	Rest      *binance.Client
	Orders    *order.Manager
	KillZones *strategy.KillZoneManager
	Status    *http.Server
	// FlattenOnExit 为真时停机前对全部持仓反向市价平仓。
	FlattenOnExit bool
	Symbol        string
}

// Orchestrator 按固定顺序拉起各组件，任一关键任务退出即触发整体停机。
type Orchestrator struct {
	log *logger.Logger
	opt Options
}

// New 创建编排器。
func New(log *logger.Logger, opt Options) *Orchestrator {
	return &Orchestrator{log: log.Named("orchestrator"), opt: opt}
}

// Run 启动管线并阻塞到 ctx 取消或关键任务失败，随后执行停机收尾。
// 停机收尾无论因何退出都会执行。
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 事件总线最先启动，且不挂在任务组下：停机时通过 Close 排空
	// 剩余事件后退出，而不是随 ctx 取消立即中断。
	busDone := make(chan error, 1)
	go func() { busDone <- o.opt.Bus.Run(context.Background()) }()

	g, gctx := errgroup.WithContext(runCtx)

	if o.opt.Feed != nil {
		warmCtx, warmCancel := context.WithTimeout(gctx, 60*time.Second)
		err := o.opt.Feed.Warmup(warmCtx)
		warmCancel()
		if err != nil {
			o.log.Warn("历史K线预热失败，继续以实时流启动", "err", err)
		}
		g.Go(func() error {
			return o.opt.Feed.Run(gctx)
		})
	}
	if o.opt.KillZones != nil {
		g.Go(func() error {
			return o.opt.KillZones.Run(gctx)
		})
	}
	if o.opt.Orders != nil {
		g.Go(func() error {
			return o.opt.Orders.Run(gctx)
		})
	}
	if o.opt.Status != nil {
		g.Go(func() error {
			err := o.opt.Status.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer stopCancel()
			return o.opt.Status.Shutdown(stopCtx)
		})
	}
	g.Go(func() error {
		o.healthLoop(gctx)
		return nil
	})

	o.log.Info("管线已启动")
	err := g.Wait()
	o.shutdown()

	select {
	case busErr := <-busDone:
		if busErr != nil && err == nil {
			err = busErr
		}
	case <-time.After(shutdownBudget):
		o.log.Warn("事件总线排空超时")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown 按固定顺序收尾：先停行情，再处理在途订单与持仓，最后排空总线。
func (o *Orchestrator) shutdown() {
	o.log.Info("开始停机收尾")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if o.opt.Feed != nil {
		o.opt.Feed.Close()
	}
	if o.opt.Orders != nil {
		o.opt.Orders.CancelAll(ctx, o.opt.Symbol)
	}
	if o.opt.FlattenOnExit {
		o.flatten(ctx)
	}
	o.opt.Bus.Close()
	o.log.Info("停机收尾完成")
}

// flatten 对剩余持仓逐个反向市价平仓，失败仅记录不中断。
func (o *Orchestrator) flatten(ctx context.Context) {
	if o.opt.Rest == nil {
		return
	}
	positions, err := o.opt.Rest.Positions(ctx, o.opt.Symbol)
	if err != nil {
		o.log.Error("停机平仓：查询持仓失败", "err", err)
		return
	}
	for _, p := range positions {
		amt := p.Amount()
		if amt == 0 {
			continue
		}
		side := string(event.SideSell)
		if amt < 0 {
			side = string(event.SideBuy)
			amt = -amt
		}
		_, err := o.opt.Rest.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:     p.Symbol,
			Side:       side,
			Type:       "MARKET",
			Quantity:   amt,
			ReduceOnly: true,
		})
		if err != nil {
			o.log.Error("停机平仓失败", "symbol", p.Symbol, "err", err)
			continue
		}
		o.log.Info("停机平仓已提交", "symbol", p.Symbol, "side", side, "quantity", amt)
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkOnce(ctx)
		}
	}
}

func (o *Orchestrator) checkOnce(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > heapWarnBytes {
		o.log.Warn("堆内存占用偏高", "heapAlloc", strconv.FormatUint(ms.HeapAlloc, 10))
	}
	if depth := o.opt.Bus.Depth(); depth > busDepthWarn {
		o.log.Warn("事件总线积压", "depth", depth)
	}
	if o.opt.Rest != nil {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := o.opt.Rest.Ping(pingCtx)
		pingCancel()
		if err != nil {
			o.log.Warn("交易所连通性检查失败", "err", err)
		}
	}
}
