package market

import "testing"

func mkCandle(openTime int64, close float64) Candle {
	return Candle{
		Symbol: "BTCUSDT", Timeframe: "1m",
		OpenTime: openTime, CloseTime: openTime + 59_999,
		Open: close - 1, High: close + 1, Low: close - 2, Close: close,
		Closed: true,
	}
}

func TestPutOverwritesSameOpenTime(t *testing.T) {
	s := NewKlineStore(10)
	if err := s.Put(mkCandle(0, 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(mkCandle(0, 101)); err != nil {
		t.Fatal(err)
	}
	if n := s.Len("BTCUSDT", "1m"); n != 1 {
		t.Fatalf("长度 = %d, 期望同 open time 覆盖", n)
	}
	got := s.Export("BTCUSDT", "1m", 1)
	if got[0].Close != 101 {
		t.Fatalf("收盘 = %v, 期望覆盖为 101", got[0].Close)
	}
}

func TestPutTrimsToCapacity(t *testing.T) {
	s := NewKlineStore(3)
	for i := int64(0); i < 5; i++ {
		if err := s.Put(mkCandle(i*60_000, float64(100+i))); err != nil {
			t.Fatal(err)
		}
	}
	if n := s.Len("BTCUSDT", "1m"); n != 3 {
		t.Fatalf("长度 = %d, 期望裁剪到 3", n)
	}
	got := s.Export("BTCUSDT", "1m", 0)
	if got[0].Close != 102 || got[2].Close != 104 {
		t.Fatalf("裁剪后序列 = %v, 期望保留最近三根", got)
	}
}

func TestExportReturnsCopy(t *testing.T) {
	s := NewKlineStore(10)
	_ = s.Put(mkCandle(0, 100))
	got := s.Export("BTCUSDT", "1m", 1)
	got[0].Close = 999
	again := s.Export("BTCUSDT", "1m", 1)
	if again[0].Close != 100 {
		t.Fatal("Export 应返回拷贝")
	}
}

func TestPutRejectsMissingKey(t *testing.T) {
	s := NewKlineStore(10)
	if err := s.Put(Candle{}); err == nil {
		t.Fatal("缺失 symbol/timeframe 应返回错误")
	}
}

func TestSeriesAreIndependent(t *testing.T) {
	s := NewKlineStore(10)
	_ = s.Put(mkCandle(0, 100))
	c := mkCandle(0, 200)
	c.Timeframe = "5m"
	_ = s.Put(c)

	if s.Len("BTCUSDT", "1m") != 1 || s.Len("BTCUSDT", "5m") != 1 {
		t.Fatal("不同 timeframe 应各自成序列")
	}
	if got := s.Export("BTCUSDT", "5m", 0); got[0].Close != 200 {
		t.Fatalf("5m 序列被串扰: %v", got)
	}
}
