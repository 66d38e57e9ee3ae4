package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"riptide/internal/bus"
	"riptide/internal/logger"
	"riptide/internal/order"
	"riptide/internal/strategy"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	b := bus.New(logger.Discard())
	coord := strategy.NewCoordinator(logger.Discard(), b, strategy.CoordinatorConfig{
		Symbol: "BTCUSDT",
	}, nil, nil)
	orders := order.NewManager(logger.Discard(), b, nil)
	router := NewRouter(logger.Discard(), b, nil, coord, orders, nil)
	return NewServer(":0", router).Handler
}

func TestHealthReportsDecisionCount(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status = %v, 期望 ok", resp["status"])
	}
	if _, ok := resp["decisionsTotal"]; !ok {
		t.Fatal("响应缺少 decisionsTotal")
	}
}

func TestFeedEndpointToleratesMissingFeed(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/feed", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["connected"] != false {
		t.Fatalf("connected = %v, 期望 false", resp["connected"])
	}
}
