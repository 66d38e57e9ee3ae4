package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"riptide/internal/bus"
	"riptide/internal/event"
	"riptide/internal/logger"
	"riptide/internal/market"
)

func newTestFeed(t *testing.T) (*Feed, *bus.Bus, *market.KlineStore) {
	t.Helper()
	b := bus.New(logger.Discard())
	store := market.NewKlineStore(0)
	f := NewFeed(logger.Discard(), b, store, nil, nil, Config{}, FeedConfig{
		Symbol:     "BTCUSDT",
		Timeframes: []string{"1m", "5m"},
	})
	return f, b, store
}

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

const klineFrame = `{
  "stream": "btcusdt@kline_1m",
  "data": {
    "e": "kline", "E": 1700000060000, "s": "BTCUSDT",
    "k": {
      "t": 1700000000000, "T": 1700000059999, "s": "BTCUSDT", "i": "1m",
      "o": "100.5", "c": "103.0", "h": "104.0", "l": "99.5", "v": "12.25",
      "x": true
    }
  }
}`

func TestHandleFrameKline(t *testing.T) {
	f, b, store := newTestFeed(t)
	var candles []event.Candle
	b.Subscribe(event.KindCandle, func(e event.Event) {
		candles = append(candles, e.(event.Candle))
	})

	f.handleFrame([]byte(klineFrame))
	drainBus(t, b)

	if len(candles) != 1 {
		t.Fatalf("K 线事件 %d 条, 期望 1", len(candles))
	}
	c := candles[0].Candle
	if c.Symbol != "BTCUSDT" || c.Timeframe != "1m" || !c.Closed {
		t.Fatalf("K 线定位 = %+v", c)
	}
	if c.Open != 100.5 || c.High != 104 || c.Low != 99.5 || c.Close != 103 || c.Volume != 12.25 {
		t.Fatalf("OHLCV = %+v", c)
	}
	if store.Len("BTCUSDT", "1m") != 1 {
		t.Fatal("已收盘 K 线应入库")
	}
}

func TestHandleFrameUnclosedKlineSkipsStore(t *testing.T) {
	f, b, store := newTestFeed(t)
	var candles int
	b.Subscribe(event.KindCandle, func(event.Event) { candles++ })

	open := strings.Replace(klineFrame, `"x": true`, `"x": false`, 1)
	f.handleFrame([]byte(open))
	drainBus(t, b)

	if candles != 1 {
		t.Fatalf("未收盘 K 线也应发布事件, 实际 %d 条", candles)
	}
	if store.Len("BTCUSDT", "1m") != 0 {
		t.Fatal("未收盘 K 线不应入库")
	}
}

func TestHandleFrameAccountUpdate(t *testing.T) {
	f, b, _ := newTestFeed(t)
	var updates []event.AccountUpdate
	b.Subscribe(event.KindAccountUpdate, func(e event.Event) {
		updates = append(updates, e.(event.AccountUpdate))
	})

	f.handleFrame([]byte(`{
	  "stream": "listen-key-stream",
	  "data": {
	    "e": "ACCOUNT_UPDATE", "E": 1700000060000,
	    "a": {
	      "B": [
	        {"a": "USDT", "wb": "10000.5", "cw": "9500.25"},
	        {"a": "BNB", "wb": "3", "cw": "3"}
	      ],
	      "P": [{"s": "BTCUSDT", "pa": "-0.5"}]
	    }
	  }
	}`))
	drainBus(t, b)

	if len(updates) != 1 {
		t.Fatalf("账户事件 %d 条, 期望 1", len(updates))
	}
	up := updates[0]
	if up.Balance != 10000.5 || up.AvailableMargin != 9500.25 {
		t.Fatalf("余额 = %+v, 期望只取 USDT", up)
	}
	if up.Positions["BTCUSDT"] != -0.5 {
		t.Fatalf("持仓 = %+v", up.Positions)
	}
}

func TestHandleFrameDropsMalformed(t *testing.T) {
	f, b, _ := newTestFeed(t)
	var total int
	for _, k := range []event.Kind{event.KindCandle, event.KindAccountUpdate} {
		b.Subscribe(k, func(event.Event) { total++ })
	}

	f.handleFrame([]byte(`not json`))
	f.handleFrame([]byte(`{"stream":"x"}`))
	f.handleFrame([]byte(`{"stream":"x","data":{"e":"ORDER_TRADE_UPDATE"}}`))
	f.handleFrame([]byte(`{"stream":"x","data":{"e":"something-new"}}`))
	drainBus(t, b)

	if total != 0 {
		t.Fatalf("畸形/忽略帧产生了 %d 个事件", total)
	}
}

func TestDeriveStreamURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listenKey":"lk-123"}`))
	}))
	defer srv.Close()

	b := bus.New(logger.Discard())
	f := NewFeed(logger.Discard(), b, market.NewKlineStore(0), newTestClient(srv.URL), nil,
		Config{WSBaseURL: "wss://example/stream"}, FeedConfig{
			Symbol:     "BTCUSDT",
			Timeframes: []string{"1m", "5m"},
		})

	url, err := f.deriveStreamURL(context.Background())
	if err != nil {
		t.Fatalf("deriveStreamURL: %v", err)
	}
	want := "wss://example/stream?streams=btcusdt@kline_1m/btcusdt@kline_5m/lk-123"
	if url != want {
		t.Fatalf("URL = %q, 期望 %q", url, want)
	}
}

func TestStrOrNum(t *testing.T) {
	var ke klineEvent
	raw := `{"e":"kline","s":"BTCUSDT","k":{"i":"1m","o":100.5,"c":"103"}}`
	if err := json.Unmarshal([]byte(raw), &ke); err != nil {
		t.Fatal(err)
	}
	if ke.Kline.OpenPrice.Float() != 100.5 || ke.Kline.ClosePrice.Float() != 103 {
		t.Fatalf("strOrNum 解析 = %+v", ke.Kline)
	}
}
