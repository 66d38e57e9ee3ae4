// Package status 暴露只读运行状态接口。
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"riptide/internal/bus"
	"riptide/internal/gateway/binance"
	"riptide/internal/logger"
	"riptide/internal/order"
	"riptide/internal/store"
	"riptide/internal/strategy"
)

// Router 汇集各组件的只读状态。
type Router struct {
	log     *logger.Logger
	bus     *bus.Bus
	feed    *binance.Feed
	coord   *strategy.Coordinator
	orders  *order.Manager
	journal *store.Journal
	started time.Time
}

// NewRouter 创建状态路由。feed/coord/journal 允许为 nil。
func NewRouter(log *logger.Logger, b *bus.Bus, feed *binance.Feed, coord *strategy.Coordinator, orders *order.Manager, journal *store.Journal) *Router {
	return &Router{
		log:     log.Named("status"),
		bus:     b,
		feed:    feed,
		coord:   coord,
		orders:  orders,
		journal: journal,
		started: time.Now(),
	}
}

// Register 挂载全部状态路由。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/health", r.handleHealth)
	group.GET("/bus", r.handleBus)
	group.GET("/feed", r.handleFeed)
	group.GET("/orders", r.handleOrders)
	group.GET("/decisions", r.handleDecisions)
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(r.started).Seconds()),
	}
	if r.coord != nil {
		resp["decisionsTotal"] = r.coord.Decisions()
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleBus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"depth":     r.bus.Depth(),
		"published": r.bus.Published(),
		"dropped":   r.bus.Dropped(),
	})
}

func (r *Router) handleFeed(c *gin.Context) {
	if r.feed == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}
	stats := r.feed.Stats()
	resp := gin.H{
		"connected":  stats.Connected,
		"reconnects": stats.Reconnects,
	}
	if stats.LastError != "" {
		resp["lastError"] = stats.LastError
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleOrders(c *gin.Context) {
	open := r.orders.Open()
	c.JSON(http.StatusOK, gin.H{"count": len(open), "orders": open})
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.journal == nil {
		c.JSON(http.StatusOK, gin.H{"decisions": []store.DecisionRecord{}})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	records, err := r.journal.RecentDecisions(ctx, 20)
	if err != nil {
		r.log.Warn("读取决策日志失败", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取决策日志失败"})
		return
	}
	if records == nil {
		records = []store.DecisionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": records})
}

// NewServer 组装 gin 引擎并返回可控生命周期的 HTTP 服务。
func NewServer(addr string, router *Router) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Register(engine.Group("/api/status"))
	return &http.Server{Addr: addr, Handler: engine}
}
