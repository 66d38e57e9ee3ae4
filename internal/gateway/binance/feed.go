package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

const (
	// 正常关闭与异常错误采用不同档位的固定退避。
	reconnectDelayClean = 5 * time.Second
	reconnectDelayError = 10 * time.Second
	// listen key 有效期 60 分钟，每 30 分钟续期一次。
	listenKeyKeepAlive = 30 * time.Minute
)

// FeedConfig 描述行情源的订阅范围。
type FeedConfig struct {
	Symbol      string
	Timeframes  []string
	WarmupLimit int
}

// FeedStats 是行情源运行指标，健康检查与状态接口读取。
type FeedStats struct {
	Connected  bool
	Reconnects int
	LastError  string
}

// Feed 维护一条多路复用的组合流连接：symbol 的每个 timeframe 一路
// kline 流，外加以 listen key 标识的用户数据流。收到的帧按形状归一化
// 为事件发布到总线；畸形帧记录后丢弃，不影响连接循环。
type Feed struct {
	log     *logger.Logger
	bus     *bus.Bus
	store   *market.KlineStore
	rest    *Client
	history *futures.Client
	cfg     FeedConfig
	wsBase  string
	dialer  websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	stats  FeedStats
}

// NewFeed 创建行情源。history 用于预热拉取历史 K 线。
func NewFeed(log *logger.Logger, b *bus.Bus, store *market.KlineStore, rest *Client, history *futures.Client, gw Config, cfg FeedConfig) *Feed {
	final := gw.withDefaults()
	return &Feed{
		log:     log.Named("binance.feed").With("symbol", cfg.Symbol),
		bus:     b,
		store:   store,
		rest:    rest,
		history: history,
		cfg:     cfg,
		wsBase:  final.WSBaseURL,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Warmup 拉取各 timeframe 的历史 K 线，经由总线原路灌入检测器，
// 使其窗口在进入实时流之前就绪。只发布已收盘的 K 线。
func (f *Feed) Warmup(ctx context.Context) error {
	if f.history == nil {
		return nil
	}
	limit := f.cfg.WarmupLimit
	if limit <= 0 {
		limit = 100
	}
	for _, tf := range f.cfg.Timeframes {
		ks, err := f.history.NewKlinesService().Symbol(f.cfg.Symbol).Interval(tf).Limit(limit).Do(ctx)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		published := 0
		for _, k := range ks {
			if k.CloseTime >= now {
				continue // 最后一根可能尚未收盘
			}
			c := market.Candle{
				Symbol:    f.cfg.Symbol,
				Timeframe: tf,
				OpenTime:  k.OpenTime,
				CloseTime: k.CloseTime,
				Open:      parseFloat(k.Open),
				High:      parseFloat(k.High),
				Low:       parseFloat(k.Low),
				Close:     parseFloat(k.Close),
				Volume:    parseFloat(k.Volume),
				Closed:    true,
			}
			f.publishCandle(c)
			published++
		}
		f.log.Info("历史 K 线预热完成", "timeframe", tf, "count", published)
	}
	return nil
}

// Run 维护流连接直到 ctx 取消或 Close。连接断开后按退避档位重连，
// 并重新获取 listen key 以重导流 URL。
func (f *Feed) Run(ctx context.Context) error {
	keepAlive := time.NewTicker(listenKeyKeepAlive)
	defer keepAlive.Stop()
	go f.keepAliveLoop(ctx, keepAlive.C)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.isClosed() {
			return nil
		}

		url, err := f.deriveStreamURL(ctx)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				return err // 凭据被拒，交由编排器走致命路径
			}
			f.noteError(err)
			f.log.Warn("获取 listen key 失败，稍后重试", "err", err)
			if !sleepCtx(ctx, reconnectDelayError) {
				return ctx.Err()
			}
			continue
		}

		conn, _, err := f.dialer.DialContext(ctx, url, nil)
		if err != nil {
			f.noteError(err)
			f.log.Warn("WS 连接失败", "err", err)
			if !sleepCtx(ctx, reconnectDelayError) {
				return ctx.Err()
			}
			continue
		}
		f.setConn(conn)
		f.log.Info("WS 已连接", "timeframes", strings.Join(f.cfg.Timeframes, ","))

		err = f.readLoop(ctx, conn)
		f.setConn(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.isClosed() {
			return nil
		}

		delay := reconnectDelayError
		if isCleanClose(err) {
			delay = reconnectDelayClean
			f.log.Warn("WS 连接正常关闭，准备重连", "delay", delay)
		} else {
			f.noteError(err)
			f.log.Warn("WS 连接异常断开，准备重连", "delay", delay, "err", err)
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// deriveStreamURL 重导流 URL：kline 流名加上新获取的 listen key。
func (f *Feed) deriveStreamURL(ctx context.Context) (string, error) {
	streams := make([]string, 0, len(f.cfg.Timeframes)+1)
	lower := strings.ToLower(f.cfg.Symbol)
	for _, tf := range f.cfg.Timeframes {
		streams = append(streams, lower+"@kline_"+tf)
	}
	key, err := f.rest.ListenKey(ctx)
	if err != nil {
		return "", err
	}
	streams = append(streams, key)
	return f.wsBase + "?streams=" + strings.Join(streams, "/"), nil
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// ctx 取消时关闭连接以解除 ReadMessage 阻塞。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	f.setConnected(true)
	defer f.setConnected(false)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleFrame(raw)
	}
}

// handleFrame 按载荷形状分流：kline 帧归一化为 K 线事件，
// 账户帧归一化为账户更新事件，其余记录后丢弃。
func (f *Feed) handleFrame(raw []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Data) == 0 {
		f.log.Warn("丢弃无法解析的 WS 帧", "err", err)
		return
	}
	var env eventEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		f.log.Warn("丢弃缺少事件类型的 WS 帧", "stream", frame.Stream)
		return
	}
	switch env.EventType {
	case "kline":
		var ke klineEvent
		if err := json.Unmarshal(frame.Data, &ke); err != nil {
			f.log.Warn("解析 kline 帧失败", "err", err)
			return
		}
		f.publishCandle(ke.candle())
	case "ACCOUNT_UPDATE":
		var ae accountUpdateEvent
		if err := json.Unmarshal(frame.Data, &ae); err != nil {
			f.log.Warn("解析账户帧失败", "err", err)
			return
		}
		f.publishAccountUpdate(ae)
	case "ORDER_TRADE_UPDATE", "listenKeyExpired":
		// 订单状态由订单管理器轮询对账；令牌过期由重连路径重取。
		f.log.Debug("忽略用户数据帧", "type", env.EventType)
	default:
		f.log.Debug("丢弃未知形状的帧", "type", env.EventType, "stream", frame.Stream)
	}
}

func (f *Feed) publishCandle(c market.Candle) {
	if c.Closed {
		if err := f.store.Put(c); err != nil {
			f.log.Warn("K 线入库失败", "err", err)
		}
	}
	f.bus.Publish(event.Candle{Candle: c, At: time.UnixMilli(c.OpenTime)})
}

func (f *Feed) publishAccountUpdate(ae accountUpdateEvent) {
	update := event.AccountUpdate{
		Positions: make(map[string]float64, len(ae.Account.Positions)),
		At:        time.UnixMilli(ae.EventTime),
	}
	for _, b := range ae.Account.Balances {
		if b.Asset == "USDT" {
			update.Balance = b.WalletBalance.Float()
			update.AvailableMargin = b.CrossWalletBalance.Float()
		}
	}
	for _, p := range ae.Account.Positions {
		update.Positions[p.Symbol] = p.PositionAmount.Float()
	}
	f.bus.Publish(update)
}

func (f *Feed) keepAliveLoop(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := f.rest.KeepAliveListenKey(ctx); err != nil {
				f.log.Warn("listen key 续期失败", "err", err)
			}
		}
	}
}

// Close 停止行情源并关闭当前连接。
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Stats 返回当前运行指标。
func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.stats.Connected = v
	if !v {
		f.stats.Reconnects++
	}
	f.mu.Unlock()
}

func (f *Feed) noteError(err error) {
	f.mu.Lock()
	f.stats.LastError = err.Error()
	f.mu.Unlock()
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
